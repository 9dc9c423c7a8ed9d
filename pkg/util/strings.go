package util

import (
	"path/filepath"
	"strings"
)

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
//
// 用于统一多处重复的 firstNonEmpty / firstTrackedTurnNonEmpty 模式。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// SanitizeFilename 取路径 basename, 将任何非 [A-Za-z0-9._-] 字符替换为 "_",
// 截断到 120 字符, 空结果回退为 "attachment"。用于把 dispatch 附件落盘到
// 本地工作目录前消毒文件名, 防止路径穿越或非法字符。
func SanitizeFilename(path string) string {
	base := filepath.Base(strings.TrimSpace(path))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "attachment"
	}
	var sb strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	name := sb.String()
	if len(name) > 120 {
		name = name[:120]
	}
	if name == "" {
		return "attachment"
	}
	return name
}
