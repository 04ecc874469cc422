package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	SchemaModeHeader     = "header"
	SchemaModePositional = "positional"

	FieldKindText    = "text"
	FieldKindDecimal = "decimal"
	FieldKindDate    = "date"
)

// IngestConfig is the hot-reloadable part of the configuration: column
// schemas per dataset and the analytics thresholds.
type IngestConfig struct {
	Schemas   map[string]SchemaConfig `mapstructure:"schemas"`
	Analytics AnalyticsConfig         `mapstructure:"analytics"`
}

type SchemaConfig struct {
	Mode   string        `mapstructure:"mode"`
	Fields []FieldConfig `mapstructure:"fields"`
}

type FieldConfig struct {
	Name     string   `mapstructure:"name"`
	Kind     string   `mapstructure:"kind"`
	Required bool     `mapstructure:"required"`
	Synonyms []string `mapstructure:"synonyms"`
	Position int      `mapstructure:"position"`
}

type AnalyticsConfig struct {
	HighIncreasePct   float64 `mapstructure:"high_increase_pct"`
	MediumDecreasePct float64 `mapstructure:"medium_decrease_pct"`
	ProjectionWindow  int     `mapstructure:"projection_window"`
	BaseConfidence    float64 `mapstructure:"base_confidence"`
	ConfidenceStep    float64 `mapstructure:"confidence_step"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
}

func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		HighIncreasePct:   15,
		MediumDecreasePct: -10,
		ProjectionWindow:  3,
		BaseConfidence:    90,
		ConfidenceStep:    10,
		MinConfidence:     50,
	}
}

func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Schemas: map[string]SchemaConfig{
			"aging": {
				Mode: SchemaModeHeader,
				Fields: []FieldConfig{
					{Name: "provider", Kind: FieldKindText, Required: true, Synonyms: []string{"ips", "prestador", "nombre ips", "nombre prestador", "proveedor"}},
					{Name: "providerCode", Kind: FieldKindText, Synonyms: []string{"nit", "codigo ips", "codigo prestador"}},
					{Name: "a30", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"0-30", "a 30", "hasta 30", "30 dias"}},
					{Name: "a60", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"31-60", "a 60", "60 dias"}},
					{Name: "a90", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"61-90", "a 90", "90 dias"}},
					{Name: "a120", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"91-120", "a 120", "120 dias"}},
					{Name: "a180", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"121-180", "a 180", "180 dias"}},
					{Name: "a360", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"181-360", "a 360", "360 dias"}},
					{Name: "sup360", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"mayor 360", "> 360", "+360", "sup 360"}},
				},
			},
			"cashflow": {
				Mode: SchemaModePositional,
				Fields: []FieldConfig{
					{Name: "provider", Kind: FieldKindText, Required: true, Position: 0, Synonyms: []string{"ips", "prestador"}},
					{Name: "invoiced", Kind: FieldKindDecimal, Required: true, Position: 1, Synonyms: []string{"valor facturado", "facturado"}},
					{Name: "objected", Kind: FieldKindDecimal, Required: true, Position: 2, Synonyms: []string{"valor glosado", "glosado", "glosa"}},
					{Name: "paid", Kind: FieldKindDecimal, Required: true, Position: 3, Synonyms: []string{"valor pagado", "pagado", "recaudo"}},
					{Name: "paymentDate", Kind: FieldKindDate, Position: 4, Synonyms: []string{"fecha pago", "fecha de pago"}},
				},
			},
			"capitation": {
				Mode: SchemaModeHeader,
				Fields: []FieldConfig{
					{Name: "insurer", Kind: FieldKindText, Required: true, Synonyms: []string{"eps", "entidad", "aseguradora"}},
					{Name: "upcValue", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"valor upc", "valorupc", "upc"}},
					{Name: "transferred", Kind: FieldKindDecimal, Required: true, Synonyms: []string{"valor girado", "valorgirado", "girado"}},
					{Name: "affiliates", Kind: FieldKindDecimal, Synonyms: []string{"afiliados", "numero afiliados"}},
					{Name: "transferDate", Kind: FieldKindDate, Synonyms: []string{"fecha giro", "fecha de giro"}},
				},
			},
		},
		Analytics: DefaultAnalyticsConfig(),
	}
}

type IngestConfigHolder struct {
	current atomic.Value // holds IngestConfig
}

// NewStaticIngestConfigHolder wraps a fixed configuration; used by tests and
// the CLI where no file watching is wanted.
func NewStaticIngestConfigHolder(cfg IngestConfig) *IngestConfigHolder {
	holder := &IngestConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewIngestConfigHolder(appCfg Config) (*IngestConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("ingest")
	v.SetConfigType("yml")
	v.AddConfigPath(appCfg.IngestConfigPath)
	v.AddConfigPath("/etc/cartera")

	v.SetEnvPrefix("CARTERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultIngestConfig()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	if fileFound {
		if err := v.UnmarshalKey("ingest", &cfg); err != nil {
			return nil, err
		}
	}
	if err := ValidateIngestConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticIngestConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultIngestConfig()
		if err := v.UnmarshalKey("ingest", &updated); err != nil {
			log.Printf("[ingest-config] reload failed: %v", err)
			return
		}
		if err := ValidateIngestConfig(updated); err != nil {
			log.Printf("[ingest-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ingest-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *IngestConfigHolder) Get() IngestConfig {
	return h.current.Load().(IngestConfig)
}

func ValidateIngestConfig(cfg IngestConfig) error {
	if len(cfg.Schemas) == 0 {
		return errors.New("ingest.schemas cannot be empty")
	}
	for name, schema := range cfg.Schemas {
		switch schema.Mode {
		case SchemaModeHeader, SchemaModePositional:
		default:
			return fmt.Errorf("ingest.schemas.%s: unknown mode %q", name, schema.Mode)
		}
		if len(schema.Fields) == 0 {
			return fmt.Errorf("ingest.schemas.%s: fields cannot be empty", name)
		}
		for _, field := range schema.Fields {
			switch field.Kind {
			case FieldKindText, FieldKindDecimal, FieldKindDate:
			default:
				return fmt.Errorf("ingest.schemas.%s.%s: unknown kind %q", name, field.Name, field.Kind)
			}
			if schema.Mode == SchemaModePositional && field.Position < 0 {
				return fmt.Errorf("ingest.schemas.%s.%s: negative position", name, field.Name)
			}
		}
	}
	if cfg.Analytics.ProjectionWindow <= 0 {
		return errors.New("ingest.analytics.projection_window must be positive")
	}
	if cfg.Analytics.MinConfidence > cfg.Analytics.BaseConfidence {
		return errors.New("ingest.analytics.min_confidence exceeds base_confidence")
	}
	return nil
}
