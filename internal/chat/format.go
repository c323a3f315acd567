package chat

import (
	"path/filepath"
	"strings"
)

var extIcons = map[string]string{
	".py":   "🐍",
	".sh":   "⚡",
	".md":   "📝",
	".txt":  "📄",
	".log":  "📜",
	".json": "⚙️",
	".yaml": "⚙️",
	".yml":  "⚙️",
	".toml": "⚙️",
	".go":   "🔧",
	".js":   "🔧",
	".ts":   "🔧",
	".html": "🌐",
	".css":  "🎨",
	".png":  "🖼️",
	".jpg":  "🖼️",
	".jpeg": "🖼️",
	".gif":  "🖼️",
	".zip":  "📦",
	".csv":  "📊",
	".pdf":  "📕",
}

// IconFor picks a display icon for a file name. Directories get a folder.
func IconFor(name string, isDir bool) string {
	if isDir {
		return "📁"
	}
	if icon, ok := extIcons[strings.ToLower(filepath.Ext(name))]; ok {
		return icon
	}
	return "📄"
}
