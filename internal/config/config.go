package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// 配置键，同时对应 RELAY_ 前缀的环境变量与命令行参数。
const (
	KeyAddr            = "addr"
	KeyStaticDir       = "static_dir"
	KeyAdminPassword   = "admin_password"
	KeyGeoDB           = "geo_db"
	KeyGeoTable        = "geo_table"
	KeyMaxMessageBytes = "max_message_bytes"
	KeySendBuffer      = "send_buffer"
	KeyNATSURL         = "nats_url"
	KeyNATSSubject     = "nats_subject"
	KeyDebug           = "debug"
)

// EnvPrefix 环境变量前缀。
const EnvPrefix = "RELAY"

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Admin  AdminConfig
	Geo    GeoConfig
	Relay  RelayConfig
	Mirror MirrorConfig
	Debug  bool
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr      string
	StaticDir string
}

// AdminConfig 描述管理端口令。
type AdminConfig struct {
	Password string
}

// GeoConfig 描述本地地理位置数据源，两者都为空时不做定位。
type GeoConfig struct {
	DBPath    string
	TablePath string
}

// RelayConfig 描述消息转发的资源限制。
type RelayConfig struct {
	MaxMessageBytes int64
	SendBuffer      int
}

// MirrorConfig 描述可选的 NATS 转发。
type MirrorConfig struct {
	URL     string
	Subject string
}

// Enabled 表示是否配置了 NATS 地址。
func (c MirrorConfig) Enabled() bool {
	return c.URL != ""
}

// New 返回绑定了默认值与环境变量的 viper 实例。
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults 注册默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, "")
	v.SetDefault(KeyStaticDir, "dist")
	v.SetDefault(KeyAdminPassword, "1234")
	v.SetDefault(KeyGeoDB, "")
	v.SetDefault(KeyGeoTable, "")
	// 3 GB，与前端允许的上传大小一致（base64 之后约 2GB 文件）。
	v.SetDefault(KeyMaxMessageBytes, int64(3)<<30)
	v.SetDefault(KeySendBuffer, 256)
	v.SetDefault(KeyNATSURL, "")
	v.SetDefault(KeyNATSSubject, "relay.messages")
	v.SetDefault(KeyDebug, false)
}

// Load 从 viper 读取并校验配置。v 为 nil 时使用 New()。
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = New()
	}

	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig(v)
	if err != nil {
		return nil, err
	}

	admin := AdminConfig{Password: v.GetString(KeyAdminPassword)}
	if admin.Password == "" {
		return nil, errors.New("admin password must not be empty")
	}

	geo := GeoConfig{
		DBPath:    strings.TrimSpace(v.GetString(KeyGeoDB)),
		TablePath: strings.TrimSpace(v.GetString(KeyGeoTable)),
	}

	mirror := MirrorConfig{
		URL:     strings.TrimSpace(v.GetString(KeyNATSURL)),
		Subject: strings.TrimSpace(v.GetString(KeyNATSSubject)),
	}
	if mirror.Enabled() && mirror.Subject == "" {
		return nil, fmt.Errorf("%s is required when %s is set", KeyNATSSubject, KeyNATSURL)
	}

	return &Config{
		Server: server,
		Admin:  admin,
		Geo:    geo,
		Relay:  relay,
		Mirror: mirror,
		Debug:  v.GetBool(KeyDebug),
	}, nil
}

// loadServerConfig 解析服务器监听地址，未设置时回退到 PORT 环境变量。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	port := strings.TrimSpace(v.GetString(KeyAddr))
	if port == "" {
		port = strings.TrimSpace(os.Getenv("PORT"))
	}
	if port == "" {
		port = "5173"
	}

	staticDir := strings.TrimSpace(v.GetString(KeyStaticDir))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":5173" 或 "0.0.0.0:5173"。
		return ServerConfig{Addr: port, StaticDir: staticDir}, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid %s value: %q", KeyAddr, port)
	}

	return ServerConfig{Addr: ":" + port, StaticDir: staticDir}, nil
}

func loadRelayConfig(v *viper.Viper) (RelayConfig, error) {
	maxBytes := v.GetInt64(KeyMaxMessageBytes)
	if maxBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("invalid %s value %d: must be positive", KeyMaxMessageBytes, maxBytes)
	}

	buffer := v.GetInt(KeySendBuffer)
	if buffer < 1 {
		return RelayConfig{}, fmt.Errorf("invalid %s value %d: must be at least 1", KeySendBuffer, buffer)
	}

	return RelayConfig{MaxMessageBytes: maxBytes, SendBuffer: buffer}, nil
}
