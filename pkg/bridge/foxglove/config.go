package foxglove

const FrameSchema = `{
  "type": "object",
  "properties": {
    "seq": { "type": "integer" },
    "ts": { "type": "string" },
    "remote": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "segment": { "type": "string" },
          "node": { "type": "string" },
          "position": {
            "type": "object",
            "properties": {
              "x": { "type": "number" },
              "y": { "type": "number" },
              "z": { "type": "number" }
            }
          }
        }
      }
    }
  },
  "required": ["seq", "nodes"]
}`

const FrameTransformsSchema = `{
  "type": "object",
  "properties": {
    "transforms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "timestamp": { "type": "object", "properties": { "sec": { "type": "integer" }, "nsec": { "type": "integer" } } },
          "parent_frame_id": { "type": "string" },
          "child_frame_id": { "type": "string" },
          "translation": { "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" } } },
          "rotation": { "type": "object", "properties": { "x": { "type": "number" }, "y": { "type": "number" }, "z": { "type": "number" }, "w": { "type": "number" } } }
        }
      }
    }
  }
}`

const MarkerArraySchema = `{
  "type": "object",
  "properties": {
    "markers": { "type": "array", "items": { "type": "object", "additionalProperties": true } }
  }
}`

type Config struct {
	WSAddr         string
	Name           string
	FrameTopic     string
	TransformTopic string
	MarkerTopic    string
	ParentFrame    string
	MarkerScale    float64
	SendBuf        int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:         "127.0.0.1:8765",
		Name:           "posebridge",
		FrameTopic:     "/posebridge/frame",
		TransformTopic: "/tf",
		MarkerTopic:    "/posebridge/markers",
		ParentFrame:    "world",
		MarkerScale:    0.06,
		SendBuf:        256,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.WSAddr == "" {
		cfg.WSAddr = def.WSAddr
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FrameTopic == "" {
		cfg.FrameTopic = def.FrameTopic
	}
	if cfg.TransformTopic == "" {
		cfg.TransformTopic = def.TransformTopic
	}
	if cfg.MarkerTopic == "" {
		cfg.MarkerTopic = def.MarkerTopic
	}
	if cfg.ParentFrame == "" {
		cfg.ParentFrame = def.ParentFrame
	}
	if cfg.MarkerScale <= 0 {
		cfg.MarkerScale = def.MarkerScale
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = def.SendBuf
	}
	return cfg
}
