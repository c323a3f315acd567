package chat

// SetAPIBase points the client at a test server.
func SetAPIBase(t *Telegram, base string) {
	t.apiBase = base
}
