package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
)

// MySQLStorage 表示MySQL数据库存储后端，保存批次和读数
type MySQLStorage struct {
	db       *sql.DB
	dsn      string
	database string
}

// NewMySQLStorage 创建一个新的MySQL存储后端，必要时创建数据库和表
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	// 解析DSN获取数据库名
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析MySQL DSN失败: %w", err)
	}

	// 先连接到MySQL服务器（不指定数据库）
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL服务器失败: %w", err)
	}
	defer serverDB.Close()

	// 创建数据库（如果不存在）
	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("创建数据库失败: %w", err)
	}
	logger.Info("确保MySQL数据库 %s 存在", database)

	// 连接到指定的数据库
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL数据库连接测试失败: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage := &MySQLStorage{
		db:       db,
		dsn:      dsn,
		database: database,
	}
	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化MySQL数据库失败: %w", err)
	}

	logger.Info("MySQL数据库存储初始化成功")
	return storage, nil
}

// parseMySQLDSN 解析MySQL DSN字符串，提取数据库名和不包含数据库的DSN
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("DSN格式无效，无法提取数据库名")
	}

	// 最后一部分可能包含参数
	dbParts := strings.SplitN(parts[len(parts)-1], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("DSN格式无效，数据库名为空")
	}

	// 创建不包含数据库名的DSN（用于连接到服务器）
	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}
	return database, serverDSN, nil
}

func (ms *MySQLStorage) Name() string { return "mysql" }

// InitDatabase 初始化批次、读数和传感器表
func (ms *MySQLStorage) InitDatabase() error {
	// 创建批次表
	batchTableSQL := `
	CREATE TABLE IF NOT EXISTS batches (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		aggregator_id VARCHAR(64) NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		message_count INT NOT NULL,
		payload JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_aggregator_id (aggregator_id),
		INDEX idx_timestamp (timestamp)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	// 创建读数表
	readingTableSQL := `
	CREATE TABLE IF NOT EXISTS readings (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		wavy_id VARCHAR(64) NOT NULL,
		aggregator_id VARCHAR(64) NOT NULL,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_wavy_id (wavy_id),
		INDEX idx_timestamp (timestamp)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	// 创建传感器表
	sensorTableSQL := `
	CREATE TABLE IF NOT EXISTS reading_sensors (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		reading_id BIGINT NOT NULL,
		type VARCHAR(64) NOT NULL,
		value DOUBLE NOT NULL,
		unit VARCHAR(16),
		FOREIGN KEY (reading_id) REFERENCES readings(id) ON DELETE CASCADE,
		INDEX idx_reading_id (reading_id),
		INDEX idx_type (type)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	for _, stmt := range []string{batchTableSQL, readingTableSQL, sensorTableSQL} {
		if _, err := ms.db.Exec(stmt); err != nil {
			return fmt.Errorf("创建数据表失败: %w", err)
		}
	}

	logger.Info("MySQL数据库表初始化成功")
	return nil
}

// StoreBatch 将批次及其读数（JSON）存储到MySQL数据库
func (ms *MySQLStorage) StoreBatch(ctx context.Context, batch model.Batch) error {
	payload, err := json.Marshal(batch.Messages)
	if err != nil {
		return fmt.Errorf("序列化批次失败: %w", err)
	}

	_, err = ms.db.ExecContext(ctx,
		`INSERT INTO batches (aggregator_id, timestamp, message_count, payload) VALUES (?, ?, ?, ?)`,
		batch.AggregatorID, batch.Timestamp.UTC(), len(batch.Messages), payload)
	if err != nil {
		return fmt.Errorf("插入批次失败: %w", err)
	}
	return nil
}

// StoreReading 在一个事务中插入读数及其传感器数据
func (ms *MySQLStorage) StoreReading(ctx context.Context, reading model.Reading, aggregatorID string) (err error) {
	// 开始事务
	tx, err := ms.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	// 确保事务最终会提交或回滚
	defer func() {
		if err != nil {
			tx.Rollback()
			logger.Error("MySQL事务回滚: %v", err)
		}
	}()

	// 插入读数
	result, err := tx.ExecContext(ctx,
		`INSERT INTO readings (wavy_id, aggregator_id, latitude, longitude, timestamp) VALUES (?, ?, ?, ?, ?)`,
		reading.WavyID, aggregatorID, reading.Latitude, reading.Longitude, reading.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("插入读数失败: %w", err)
	}

	readingID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取插入ID失败: %w", err)
	}

	// 批量插入传感器数据
	sensors := reading.Sensors()
	valueStrings := make([]string, 0, len(sensors))
	valueArgs := make([]interface{}, 0, len(sensors)*4)
	for _, s := range sensors {
		valueStrings = append(valueStrings, "(?, ?, ?, ?)")
		valueArgs = append(valueArgs, readingID, s.Type, s.Value, s.Unit)
	}

	sensorSQL := fmt.Sprintf("INSERT INTO reading_sensors (reading_id, type, value, unit) VALUES %s",
		strings.Join(valueStrings, ","))
	if _, err = tx.ExecContext(ctx, sensorSQL, valueArgs...); err != nil {
		return fmt.Errorf("插入传感器数据失败: %w", err)
	}

	// 提交事务
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	logger.Debug("已将 %s 的读数存储到MySQL数据库", reading.WavyID)
	return nil
}

// Close 关闭数据库连接
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("关闭MySQL数据库连接失败: %w", err)
		}
		logger.Info("MySQL数据库连接已关闭")
	}
	return nil
}
