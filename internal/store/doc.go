// Package store 提供回测引擎的持久化：Parquet 行情与排名导出，SQLite 运行归档。
package store
