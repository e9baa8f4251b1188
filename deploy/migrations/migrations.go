package migrations

import "embed"

// Files 包含超级交易作业表的 SQL 迁移，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
