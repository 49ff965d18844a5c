package tile

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies a tile. All five fields take part in equality.
type Key struct {
	X      int    `json:"x" yaml:"x"`
	Y      int    `json:"y" yaml:"y"`
	Z      int    `json:"z" yaml:"z"`
	Source string `json:"source" yaml:"source"`
	Layer  string `json:"layer" yaml:"layer"`
}

// String returns the canonical source:layer:z:x:y form.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%d", k.Source, k.Layer, k.Z, k.X, k.Y)
}

type Tile struct {
	Key          Key
	Data         []byte
	ContentType  string
	Loaded       bool
	LoadTime     time.Time
	LastAccessed time.Time
	Size         int64
}

// New wraps a fetched payload. Size always mirrors len(data).
func New(key Key, data []byte, contentType string, now time.Time) *Tile {
	return &Tile{
		Key:          key,
		Data:         data,
		ContentType:  contentType,
		Loaded:       true,
		LoadTime:     now,
		LastAccessed: now,
		Size:         int64(len(data)),
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts low, normal and high; empty input means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}
