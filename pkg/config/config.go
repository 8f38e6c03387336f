package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"posebridge/pkg/protocol"
	"posebridge/pkg/rig"
	"posebridge/pkg/transport"
)

const DefaultConfigPath = "posebridge.toml"

type Config struct {
	Receiver   ReceiverConfig `toml:"receiver"`
	Remap      RemapConfig    `toml:"remap"`
	Layout     LayoutConfig   `toml:"layout"`
	Rig        RigConfig      `toml:"rig"`
	IK         IKConfig       `toml:"ik"`
	Loop       LoopConfig     `toml:"loop"`
	Log        LogConfig      `toml:"log"`
	Foxglove   FoxgloveConfig `toml:"foxglove"`
	configPath string         `toml:"-"`
}

type ReceiverConfig struct {
	Addr        string `toml:"addr"`
	Framing     string `toml:"framing"`
	BufferSize  int    `toml:"buffer_size"`
	ReadTimeout string `toml:"read_timeout,omitempty"`
}

type RemapConfig struct {
	InvertX float64 `toml:"invert_x"`
	OffsetY float64 `toml:"offset_y"`
	OffsetZ float64 `toml:"offset_z"`
}

type LayoutConfig struct {
	Segments []string `toml:"segments"`
}

type RigConfig struct {
	LeftHand   string     `toml:"left_hand"`
	RightHand  string     `toml:"right_hand"`
	LeftIndex  string     `toml:"left_index,omitempty"`
	RightIndex string     `toml:"right_index,omitempty"`
	Head       string     `toml:"head,omitempty"`
	Origin     [3]float64 `toml:"origin"`
}

type IKConfig struct {
	Active bool   `toml:"active"`
	LookAt string `toml:"look_at,omitempty"`
}

type LoopConfig struct {
	RenderHz int `toml:"render_hz"`
	IKHz     int `toml:"ik_hz"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled"`
	WSAddr      string `toml:"ws_addr"`
	Name        string `toml:"name"`
	ParentFrame string `toml:"parent_frame"`
	SendBuf     int    `toml:"send_buf"`
}

func Default() Config {
	remap := rig.DefaultRemap()
	return Config{
		Receiver: ReceiverConfig{
			Addr:        "127.0.0.1:12000",
			Framing:     string(transport.FramingReadToClose),
			BufferSize:  64 * 1024,
			ReadTimeout: "2s",
		},
		Remap: RemapConfig{
			InvertX: remap.InvertX,
			OffsetY: remap.OffsetY,
			OffsetZ: remap.OffsetZ,
		},
		Layout: LayoutConfig{
			Segments: protocol.DefaultLayout().Names(),
		},
		Rig: RigConfig{
			LeftHand:   "left_hand_target",
			RightHand:  "right_hand_target",
			LeftIndex:  "left_index_target",
			RightIndex: "right_index_target",
			Head:       "head_target",
		},
		IK: IKConfig{
			Active: true,
			LookAt: "head_target",
		},
		Loop: LoopConfig{
			RenderHz: 60,
			IKHz:     60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Foxglove: FoxgloveConfig{
			Enabled:     false,
			WSAddr:      "127.0.0.1:8765",
			Name:        "posebridge",
			ParentFrame: "world",
			SendBuf:     256,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path over the defaults. A missing file is not an
// error; the defaults are returned with exists=false.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	if _, err := transport.ParseFraming(cfg.Receiver.Framing); err != nil {
		return fmt.Errorf("receiver.framing: %w", err)
	}
	if _, err := cfg.ReadTimeout(); err != nil {
		return err
	}
	if cfg.Remap.InvertX == 0 {
		return fmt.Errorf("remap.invert_x must be non-zero")
	}
	if _, err := cfg.PoseLayout(); err != nil {
		return fmt.Errorf("layout.segments: %w", err)
	}
	if cfg.Rig.LeftHand == "" || cfg.Rig.RightHand == "" {
		return fmt.Errorf("rig.left_hand and rig.right_hand are required")
	}
	if cfg.Rig.LeftHand == cfg.Rig.RightHand {
		return fmt.Errorf("rig.left_hand and rig.right_hand must differ, both %q", cfg.Rig.LeftHand)
	}
	if cfg.Loop.RenderHz > 1000 || cfg.Loop.IKHz > 1000 {
		return fmt.Errorf("loop rates above 1000 Hz are not supported")
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", cfg.Log.Format)
	}
	return nil
}

// ReadTimeout parses receiver.read_timeout; empty or zero means no timeout.
func (cfg *Config) ReadTimeout() (time.Duration, error) {
	if cfg.Receiver.ReadTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Receiver.ReadTimeout)
	if err != nil {
		return 0, fmt.Errorf("receiver.read_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("receiver.read_timeout must not be negative")
	}
	return d, nil
}

func (cfg *Config) PoseLayout() (protocol.Layout, error) {
	return protocol.NewLayout(cfg.Layout.Segments)
}

func (cfg *Config) RemapParams() rig.Remap {
	return rig.Remap{
		InvertX: cfg.Remap.InvertX,
		OffsetY: cfg.Remap.OffsetY,
		OffsetZ: cfg.Remap.OffsetZ,
	}
}

// Bindings maps decoded segments onto rig nodes. Hands are required,
// index fingers only when named.
func (cfg *Config) Bindings() []rig.Binding {
	out := []rig.Binding{
		{Segment: protocol.SegmentLeftHand, Node: cfg.Rig.LeftHand, Required: true},
		{Segment: protocol.SegmentRightHand, Node: cfg.Rig.RightHand, Required: true},
	}
	if cfg.Rig.LeftIndex != "" {
		out = append(out, rig.Binding{Segment: protocol.SegmentLeftIndex, Node: cfg.Rig.LeftIndex})
	}
	if cfg.Rig.RightIndex != "" {
		out = append(out, rig.Binding{Segment: protocol.SegmentRightIndex, Node: cfg.Rig.RightIndex})
	}
	return out
}

// NodeNames lists every rig node the configuration refers to.
func (cfg *Config) NodeNames() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, name := range []string{cfg.Rig.LeftHand, cfg.Rig.RightHand, cfg.Rig.LeftIndex, cfg.Rig.RightIndex, cfg.Rig.Head, cfg.IK.LookAt} {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Receiver.Addr = strings.TrimSpace(cfg.Receiver.Addr)
	if cfg.Receiver.Addr == "" {
		cfg.Receiver.Addr = def.Receiver.Addr
	}
	cfg.Receiver.Framing = strings.ToLower(strings.TrimSpace(cfg.Receiver.Framing))
	if cfg.Receiver.Framing == "" {
		cfg.Receiver.Framing = def.Receiver.Framing
	}
	if cfg.Receiver.BufferSize <= 0 {
		cfg.Receiver.BufferSize = def.Receiver.BufferSize
	}

	if len(cfg.Layout.Segments) == 0 {
		cfg.Layout.Segments = append([]string(nil), def.Layout.Segments...)
	}

	if cfg.Loop.RenderHz <= 0 {
		cfg.Loop.RenderHz = def.Loop.RenderHz
	}
	if cfg.Loop.IKHz <= 0 {
		cfg.Loop.IKHz = def.Loop.IKHz
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.Name == "" {
		cfg.Foxglove.Name = def.Foxglove.Name
	}
	if cfg.Foxglove.ParentFrame == "" {
		cfg.Foxglove.ParentFrame = def.Foxglove.ParentFrame
	}
	if cfg.Foxglove.SendBuf <= 0 {
		cfg.Foxglove.SendBuf = def.Foxglove.SendBuf
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}
