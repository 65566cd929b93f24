package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/dispatcharr/dispatcharr-proxy/internal/models"
)

// Source loads a full catalog.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// DBSource reads the catalog tables through GORM.
type DBSource struct {
	db *gorm.DB
}

// NewDBSource creates a source over db.
func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

func (s *DBSource) Load(ctx context.Context) (*Snapshot, error) {
	var data Data
	db := s.db.WithContext(ctx)

	if err := db.Order("id").Find(&data.Accounts).Error; err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	if err := db.Order("id").Find(&data.Profiles).Error; err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	if err := db.Order("id").Find(&data.Streams).Error; err != nil {
		return nil, fmt.Errorf("loading streams: %w", err)
	}
	if err := db.Order("id").Find(&data.Channels).Error; err != nil {
		return nil, fmt.Errorf("loading channels: %w", err)
	}
	if err := db.Order("channel_id, sort_order").Find(&data.Links).Error; err != nil {
		return nil, fmt.Errorf("loading channel streams: %w", err)
	}

	return NewSnapshot(data), nil
}

// fileDocument is the YAML layout FileSource reads.
type fileDocument struct {
	Accounts []models.Account `yaml:"accounts"`
	Profiles []models.Profile `yaml:"profiles"`
	Streams  []models.Stream  `yaml:"streams"`
	Channels []fileChannel    `yaml:"channels"`
}

type fileChannel struct {
	models.Channel `yaml:",inline"`
	// Streams lists stream ids in priority order.
	StreamIDs []int64 `yaml:"streams"`
}

// FileSource reads the catalog from a YAML file. It suits standalone
// deployments and tests.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path on every load.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Load(_ context.Context) (*Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return ParseYAML(raw)
}

// ParseYAML builds a snapshot from a YAML document.
func ParseYAML(raw []byte) (*Snapshot, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	for i := range doc.Accounts {
		if err := doc.Accounts[i].Validate(); err != nil {
			return nil, fmt.Errorf("account %d: %w", doc.Accounts[i].ID, err)
		}
	}
	for i := range doc.Profiles {
		if err := doc.Profiles[i].Validate(); err != nil {
			return nil, fmt.Errorf("profile %d: %w", doc.Profiles[i].ID, err)
		}
	}
	for i := range doc.Streams {
		if err := doc.Streams[i].Validate(); err != nil {
			return nil, fmt.Errorf("stream %d: %w", doc.Streams[i].ID, err)
		}
	}

	data := Data{
		Accounts: doc.Accounts,
		Profiles: doc.Profiles,
		Streams:  doc.Streams,
	}
	for _, ch := range doc.Channels {
		data.Channels = append(data.Channels, ch.Channel)
		for order, id := range ch.StreamIDs {
			data.Links = append(data.Links, models.ChannelStream{ChannelID: ch.ID, StreamID: id, Order: order})
		}
	}
	return NewSnapshot(data), nil
}
