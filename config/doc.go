// Package config loads the whisperpipe TOML configuration.
//
// A minimal configuration names the service and the account:
//
//	[Service]
//	URL = "https://chat.example.org"
//	TrustRoot = "BXu6QIKVz5MA8gstzfOgRQGqyLqOwNKHL6INkv3IHWM="
//
//	[Credentials]
//	UUID = "9d0652a3-dcc3-4d11-975f-74d61598733f"
//	Password = "..."
//	DeviceID = 1
//
// Missing sections get defaults. Environment variables override a few
// fields after the file is parsed:
//   - WHISPERPIPE_SERVICE_URL: service base URL
//   - WHISPERPIPE_PASSWORD: account password
//   - WHISPERPIPE_MAX_SEND_ATTEMPTS: dispatch attempt budget
//   - WHISPERPIPE_LOG_LEVEL: logrus level name
//
// Invalid override values are logged and ignored.
package config
