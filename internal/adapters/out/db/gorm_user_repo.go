package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/IM/services/realtime_service/internal/config"
	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
)

// UserModel 用户表，只读取来电展示和账号状态需要的列
type UserModel struct {
	ID          uint64    `gorm:"column:id;primaryKey"`
	DisplayName string    `gorm:"column:display_name;size:64"`
	AvatarURL   string    `gorm:"column:avatar_url;size:255"`
	Status      int8      `gorm:"column:status;default:1"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) toEntity() *entity.UserProfile {
	return &entity.UserProfile{
		ID:          strconv.FormatUint(m.ID, 10),
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		Status:      entity.AccountStatus(m.Status),
	}
}

// UserDirectoryMySQL MySQL 实现
type UserDirectoryMySQL struct {
	db *gorm.DB
}

func NewUserDirectoryMySQL(db *gorm.DB) out.UserDirectory {
	return &UserDirectoryMySQL{db: db}
}

func (r *UserDirectoryMySQL) GetUser(ctx context.Context, userID string) (*entity.UserProfile, error) {
	id, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return nil, out.ErrUserNotFound
	}

	var m UserModel
	err = r.db.WithContext(ctx).
		Select("id", "display_name", "avatar_url", "status").
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, out.ErrUserNotFound
		}
		return nil, err
	}
	return m.toEntity(), nil
}

// Open 连接 MySQL 并设置连接池
func Open(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}
