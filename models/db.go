package models

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"StoryFlow-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var GormDB *gorm.DB

// InitDB 按配置打开数据库并自动建表，失败直接退出
func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	db, err := Open(config.AppConfig.Database.Driver, config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	GormDB = db
	log.Printf("数据库连接成功 (%s)", config.AppConfig.Database.Driver)
}

// Open 支持 mysql 与 sqlite 两种驱动
func Open(driverName, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var (
		db  *gorm.DB
		err error
	)
	switch driverName {
	case "mysql":
		conn, openErr := sql.Open("mysql", dsn)
		if openErr != nil {
			return nil, fmt.Errorf("打开数据库失败: %w", openErr)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(time.Hour)
		if pingErr := conn.Ping(); pingErr != nil {
			conn.Close()
			return nil, fmt.Errorf("连接数据库失败: %w", pingErr)
		}
		db, err = gorm.Open(mysql.New(mysql.Config{Conn: conn}), gormCfg)
	case "sqlite", "":
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err == nil {
			// sqlite 单写者；内存库也需要共享同一连接
			if conn, connErr := db.DB(); connErr == nil {
				conn.SetMaxOpenConns(1)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driverName)
	}
	if err != nil {
		return nil, fmt.Errorf("GORM 初始化失败: %w", err)
	}

	if err := db.AutoMigrate(&Project{}, &Step{}, &GenerationTask{}); err != nil {
		return nil, fmt.Errorf("自动建表失败: %w", err)
	}
	return db, nil
}
