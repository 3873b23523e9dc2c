package config

import "testing"

func valid() Config {
	return Config{
		VideoSources: []string{"239.1.1.1:5000"},
		AudioSources: []string{"239.1.1.2:5000"},
		Interface:    "lo",
		Window:       5,
		Segment:      5,
		Rollover:     128,
		ManifestDir:  "/var/www/hls",
		ManifestHLS:  "master.m3u8",
		ManifestDASH: "master.mpd",
		ManifestFMP4: "masterfmp4.m3u8",
		EnableHLS:    true,
		EnableDASH:   true,
		Identity:     "1",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	if err := valid().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no video sources", func(c *Config) { c.VideoSources = nil }},
		{"too many video sources", func(c *Config) {
			c.VideoSources = make([]string, MaxVideoSources+1)
		}},
		{"window too small", func(c *Config) { c.Window = MinWindow - 1 }},
		{"window too large", func(c *Config) { c.Window = MaxWindow + 1 }},
		{"segment too short", func(c *Config) { c.Segment = MinSegment - 1 }},
		{"segment too long", func(c *Config) { c.Segment = MaxSegment + 1 }},
		{"rollover too small", func(c *Config) { c.Rollover = MinRollover - 1 }},
		{"missing manifest dir", func(c *Config) { c.ManifestDir = "" }},
		{"youtube with hls", func(c *Config) { c.YouTubeCID = "abc123" }},
		{"transcode without sources", func(c *Config) { c.Transcode = true }},
		{"bad vcodec", func(c *Config) {
			c.Transcode = true
			c.Sources = []string{"10.0.0.1:5000"}
			c.Outputs = 1
			c.VCodec = "vp9"
		}},
		{"bad quality", func(c *Config) {
			c.Transcode = true
			c.Sources = []string{"10.0.0.1:5000"}
			c.Outputs = 1
			c.VCodec = "h264"
			c.ACodec = "aac"
			c.Quality = 4
		}},
		{"bad aspect", func(c *Config) {
			c.Transcode = true
			c.Sources = []string{"10.0.0.1:5000"}
			c.Outputs = 1
			c.VCodec = "h264"
			c.ACodec = "aac"
			c.Profile = "main"
			c.Aspect = "16x9"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateYouTubeExclusivity(t *testing.T) {
	t.Parallel()

	c := valid()
	c.EnableHLS = false
	c.EnableDASH = false
	c.YouTubeCID = "abc123"
	if err := c.Validate(); err != nil {
		t.Errorf("youtube without hls/dash should validate: %v", err)
	}
}

func TestValidateTranscodeMode(t *testing.T) {
	t.Parallel()

	c := valid()
	c.Transcode = true
	c.Sources = []string{"10.0.0.1:5000"}
	c.Outputs = 2
	c.VCodec = "hevc"
	c.ACodec = "aac"
	c.Profile = "high"
	c.Aspect = "16:9"
	c.Resolutions = []string{"1920x1080", "1280x720"}
	c.VRates = []int{5000, 2500}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	c := FromEnv()
	if c.Interface != "lo" {
		t.Errorf("interface default = %q, want lo", c.Interface)
	}
	if c.Window != 5 || c.Segment != 5 {
		t.Errorf("window/segment defaults = %d/%d, want 5/5", c.Window, c.Segment)
	}
	if !c.EnableHLS || !c.EnableDASH {
		t.Error("hls/dash should default on")
	}
}

func TestEnvListParsing(t *testing.T) {
	t.Setenv("VSOURCES", "239.1.1.1:5000, 239.1.1.2:5000 ,")
	got := envList("VSOURCES")
	if len(got) != 2 || got[0] != "239.1.1.1:5000" || got[1] != "239.1.1.2:5000" {
		t.Errorf("envList = %v", got)
	}
}
