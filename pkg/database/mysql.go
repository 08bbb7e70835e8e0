// Package database 初始化平台自身的 MySQL 与 Redis 连接。
package database

import (
	"omni-agent-go/internal/config"
	"omni-agent-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitMySQL 打开平台库（租户、数据源凭证、导入任务、对话记录），并为给定模型执行自动迁移。
func InitMySQL(cfg config.MySQLConfig, models ...interface{}) {
	var err error
	DB, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatal("[Database] 连接 MySQL 失败", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("[Database] 获取 sql.DB 失败", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if len(models) > 0 {
		if err := DB.AutoMigrate(models...); err != nil {
			log.Fatal("[Database] 自动迁移失败", err)
		}
	}
	log.Infof("[Database] MySQL 已连接，迁移 %d 张表", len(models))
}

// Close 关闭 MySQL 与 Redis 连接，停机时调用。
func Close() {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				log.Warnf("[Database] 关闭 MySQL 失败: %v", err)
			}
		}
	}
	if RDB != nil {
		if err := RDB.Close(); err != nil {
			log.Warnf("[Database] 关闭 Redis 失败: %v", err)
		}
	}
}
