package infra

import (
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLDSN 基于环境变量拼出 DSN：
//
//	IM_MYSQL_ADDR   例：localhost:3306
//	IM_MYSQL_USER   例：im_user
//	IM_MYSQL_PASS
//	IM_MYSQL_DB     例：im_client
func MySQLDSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = envString("IM_MYSQL_ADDR", "localhost:3306")
	cfg.User = envString("IM_MYSQL_USER", "im_user")
	cfg.Passwd = os.Getenv("IM_MYSQL_PASS")
	cfg.DBName = envString("IM_MYSQL_DB", "im_client")
	cfg.ParseTime = true
	cfg.Loc = time.Local
	cfg.Timeout = 3 * time.Second
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// NewDB 打开 MySQL 连接。
func NewDB() (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(MySQLDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}
