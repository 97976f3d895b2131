package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/grid-x/modbus-engine"
)

// config is the YAML file of the simulator.
type config struct {
	Server struct {
		MaxConnections int           `yaml:"max_connections"`
		PipelineDepth  int           `yaml:"pipeline_depth"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`
	Units []unitConfig `yaml:"units"`
}

type unitConfig struct {
	ID     byte          `yaml:"id"`
	Ranges []rangeConfig `yaml:"ranges"`
}

// rangeConfig defines count entries of a table from start. Values
// initialise the first entries, any non zero value sets a bit.
type rangeConfig struct {
	Table  string   `yaml:"table"`
	Start  uint16   `yaml:"start"`
	Count  int      `yaml:"count"`
	Values []uint16 `yaml:"values"`
}

// defaultConfig serves the full address space of every table on unit 1.
func defaultConfig() *config {
	var c config
	u := unitConfig{ID: 1}
	for table := modbus.TableCoils; table <= modbus.TableInputRegisters; table++ {
		u.Ranges = append(u.Ranges, rangeConfig{Table: table.String(), Count: 1 << 16})
	}
	c.Units = []unitConfig{u}
	return &c
}

func loadConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var c config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(c.Units) == 0 {
		return nil, fmt.Errorf("%s: no units defined", path)
	}
	return &c, nil
}

// store builds the register map of all units.
func (c *config) store() (*modbus.MemoryStore, error) {
	store := modbus.NewMemoryStore()
	for _, u := range c.Units {
		for _, r := range u.Ranges {
			table, err := modbus.ParseTable(r.Table)
			if err != nil {
				return nil, fmt.Errorf("unit %d: %w", u.ID, err)
			}
			if len(r.Values) > r.Count {
				return nil, fmt.Errorf("unit %d: %v values for %v entries of %v at %d", u.ID, len(r.Values), r.Count, table, r.Start)
			}
			if err := store.Define(u.ID, table, r.Start, r.Count); err != nil {
				return nil, err
			}
			if len(r.Values) == 0 {
				continue
			}
			switch table {
			case modbus.TableCoils, modbus.TableDiscreteInputs:
				bits := make([]bool, len(r.Values))
				for i, v := range r.Values {
					bits[i] = v != 0
				}
				if table == modbus.TableCoils {
					err = store.SetCoils(u.ID, r.Start, bits)
				} else {
					err = store.SetDiscreteInputs(u.ID, r.Start, bits)
				}
			case modbus.TableHoldingRegisters:
				err = store.SetHoldingRegisters(u.ID, r.Start, r.Values)
			case modbus.TableInputRegisters:
				err = store.SetInputRegisters(u.ID, r.Start, r.Values)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return store, nil
}

func (c *config) serverOptions() []modbus.ServerOption {
	var opts []modbus.ServerOption
	if c.Server.MaxConnections != 0 {
		opts = append(opts, modbus.WithMaxConnections(c.Server.MaxConnections))
	}
	if c.Server.PipelineDepth != 0 {
		opts = append(opts, modbus.WithPipelineDepth(c.Server.PipelineDepth))
	}
	if c.Server.RequestTimeout != 0 {
		opts = append(opts, modbus.WithRequestTimeout(c.Server.RequestTimeout))
	}
	if c.Server.IdleTimeout != 0 {
		opts = append(opts, modbus.WithIdleTimeout(c.Server.IdleTimeout))
	}
	return opts
}
