// Package carrier provides carrier-declared default link bandwidths keyed by
// RATClass, loaded from a YAML file layered over a built-in table.
package carrier

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// ErrInvalidTable is wrapped by every table validation error.
var ErrInvalidTable = errors.New("carrier: invalid table")

// DefaultFallback is returned for classes without an entry.
var DefaultFallback = lbe.Bounds{TxKbps: 14, RxKbps: 14, Fallback: true}

// Builtin returns the built-in per-class defaults.
func Builtin() map[lbe.RATClass]lbe.Bounds {
	return map[lbe.RATClass]lbe.Bounds{
		"GPRS":      {TxKbps: 24, RxKbps: 24},
		"EDGE":      {TxKbps: 18, RxKbps: 70},
		"UMTS":      {TxKbps: 115, RxKbps: 115},
		"HSDPA":     {TxKbps: 620, RxKbps: 4300},
		"HSUPA":     {TxKbps: 1800, RxKbps: 4300},
		"HSPA":      {TxKbps: 1800, RxKbps: 4300},
		"HSPA+":     {TxKbps: 3400, RxKbps: 13000},
		"LTE":       {TxKbps: 15000, RxKbps: 30000},
		"LTE_CA":    {TxKbps: 15000, RxKbps: 30000},
		"NR":        {TxKbps: 18000, RxKbps: 47000},
		"NR_MMWAVE": {TxKbps: 60000, RxKbps: 145000},
	}
}

// BoundsYAML is one table entry in a carrier file.
type BoundsYAML struct {
	TxKbps int `yaml:"tx_kbps"`
	RxKbps int `yaml:"rx_kbps"`
}

// File is the on-disk carrier table.
//
// Entries may be given as a map or, in carrier-config string form, as
// "CLASS:rx,tx" strings. String entries are applied after map entries.
type File struct {
	Fallback   *BoundsYAML           `yaml:"fallback"`
	Bandwidths map[string]BoundsYAML `yaml:"bandwidths"`
	Strings    []string              `yaml:"bandwidth_strings"`
}

// Table implements lbe.CarrierConfigSource. It is safe for concurrent use.
type Table struct {
	path string
	log  *zap.Logger

	mu       sync.RWMutex
	bounds   map[lbe.RATClass]lbe.Bounds
	fallback lbe.Bounds
}

// New returns a table holding only the built-in defaults.
func New(log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		log:      log,
		bounds:   Builtin(),
		fallback: DefaultFallback,
	}
}

// Load returns a table for path. An empty path or a missing file yields the
// built-in defaults; the file is still re-read by Reload.
func Load(path string, log *zap.Logger) (*Table, error) {
	t := New(log)
	t.path = path
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the table file. On error the previous table is kept.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.log.Info("carrier table not found, using built-in defaults", zap.String("path", t.path))
			t.replace(Builtin(), DefaultFallback)
			return nil
		}
		return fmt.Errorf("read carrier table: %w", err)
	}
	return t.Apply(data)
}

// Apply parses data and replaces the table. Entries override the built-in
// defaults class by class. On error the previous table is kept.
func (t *Table) Apply(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse carrier table: %w", err)
	}
	bounds, fallback, err := f.resolve()
	if err != nil {
		return err
	}
	t.replace(bounds, fallback)
	t.log.Info("carrier table loaded", zap.String("path", t.path), zap.Int("classes", len(bounds)))
	return nil
}

func (t *Table) replace(bounds map[lbe.RATClass]lbe.Bounds, fallback lbe.Bounds) {
	t.mu.Lock()
	t.bounds = bounds
	t.fallback = fallback
	t.mu.Unlock()
}

// LinkBandwidthDefaults implements lbe.CarrierConfigSource.
func (t *Table) LinkBandwidthDefaults(rat lbe.RATClass) lbe.Bounds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.bounds[rat]; ok {
		return b
	}
	return t.fallback
}

// Classes returns a copy of the current table.
func (t *Table) Classes() map[lbe.RATClass]lbe.Bounds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[lbe.RATClass]lbe.Bounds, len(t.bounds))
	for k, v := range t.bounds {
		out[k] = v
	}
	return out
}

func (f File) resolve() (map[lbe.RATClass]lbe.Bounds, lbe.Bounds, error) {
	bounds := Builtin()
	fallback := DefaultFallback
	var err error

	if f.Fallback != nil {
		b := lbe.Bounds{TxKbps: f.Fallback.TxKbps, RxKbps: f.Fallback.RxKbps, Fallback: true}
		if verr := validate("fallback", b); verr != nil {
			err = multierr.Append(err, verr)
		} else {
			fallback = b
		}
	}
	for name, y := range f.Bandwidths {
		b := lbe.Bounds{TxKbps: y.TxKbps, RxKbps: y.RxKbps}
		if verr := validate(name, b); verr != nil {
			err = multierr.Append(err, verr)
			continue
		}
		bounds[lbe.RATClass(name)] = b
	}
	for _, s := range f.Strings {
		name, b, perr := ParseBandwidthString(s)
		if perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		bounds[name] = b
	}
	if err != nil {
		return nil, lbe.Bounds{}, err
	}
	return bounds, fallback, nil
}

// ParseBandwidthString parses a "CLASS:rx,tx" entry, downlink first.
func ParseBandwidthString(s string) (lbe.RATClass, lbe.Bounds, error) {
	name, values, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return "", lbe.Bounds{}, fmt.Errorf("%w: entry %q: want CLASS:rx,tx", ErrInvalidTable, s)
	}
	rxStr, txStr, ok := strings.Cut(values, ",")
	if !ok {
		return "", lbe.Bounds{}, fmt.Errorf("%w: entry %q: want CLASS:rx,tx", ErrInvalidTable, s)
	}
	rx, err := strconv.Atoi(strings.TrimSpace(rxStr))
	if err != nil {
		return "", lbe.Bounds{}, fmt.Errorf("%w: entry %q: %v", ErrInvalidTable, s, err)
	}
	tx, err := strconv.Atoi(strings.TrimSpace(txStr))
	if err != nil {
		return "", lbe.Bounds{}, fmt.Errorf("%w: entry %q: %v", ErrInvalidTable, s, err)
	}
	b := lbe.Bounds{TxKbps: tx, RxKbps: rx}
	if err := validate(name, b); err != nil {
		return "", lbe.Bounds{}, err
	}
	return lbe.RATClass(strings.TrimSpace(name)), b, nil
}

func validate(name string, b lbe.Bounds) error {
	if b.TxKbps <= 0 || b.RxKbps <= 0 {
		return fmt.Errorf("%w: %s: bandwidths must be positive, got tx=%d rx=%d",
			ErrInvalidTable, name, b.TxKbps, b.RxKbps)
	}
	return nil
}
