package pool

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/objstore/mpool/common"
	"github.com/objstore/mpool/merr"
)

// ClassConfig sizes one media class.
//
//   - Capacity:    total bytes the class may hand out
//   - SparePct:    percentage of Capacity reserved for spare allocations
//   - MblockSize:  fixed capacity of each mblock in the class
type ClassConfig struct {
	Capacity   uint64 `yaml:"capacity"`
	SparePct   uint64 `yaml:"spare_pct"`
	MblockSize uint64 `yaml:"mblock_size"`
}

// Options configures a pool provider. Zero values take defaults; see
// DefaultOptions.
type Options struct {
	// Dir is the pool directory (file pool only).
	Dir string `yaml:"dir"`
	// RootMDCCap is the capacity of each root MDC mlog.
	RootMDCCap uint64 `yaml:"root_mdc_cap"`

	Classes map[common.MediaClass]ClassConfig `yaml:"-"`

	// YAML form of Classes, keyed by class name.
	ClassesByName map[string]ClassConfig `yaml:"media_classes"`
}

func DefaultOptions() Options {
	return Options{
		RootMDCCap: 1 << 20,
		Classes: map[common.MediaClass]ClassConfig{
			common.MediaCapacity: {
				Capacity:   1 << 30,
				SparePct:   5,
				MblockSize: 1 << 25,
			},
			common.MediaStaging: {
				Capacity:   1 << 28,
				SparePct:   5,
				MblockSize: 1 << 22,
			},
		},
	}
}

func (o *Options) normalize() error {
	d := DefaultOptions()
	if o.RootMDCCap == 0 {
		o.RootMDCCap = d.RootMDCCap
	}
	if len(o.Classes) == 0 && len(o.ClassesByName) == 0 {
		o.Classes = d.Classes
	}
	if len(o.ClassesByName) > 0 {
		if o.Classes == nil {
			o.Classes = make(map[common.MediaClass]ClassConfig)
		}
		for name, cc := range o.ClassesByName {
			var mc common.MediaClass
			switch name {
			case "capacity":
				mc = common.MediaCapacity
			case "staging":
				mc = common.MediaStaging
			default:
				return merr.Newf(merr.InvalidArg, 0, "unknown media class %q", name)
			}
			o.Classes[mc] = cc
		}
	}
	for mc, cc := range o.Classes {
		if cc.MblockSize == 0 {
			cc.MblockSize = d.Classes[mc].MblockSize
		}
		if cc.Capacity == 0 {
			cc.Capacity = d.Classes[mc].Capacity
		}
		o.Classes[mc] = cc
	}
	return nil
}

// LoadOptions reads a YAML pool config.
func LoadOptions(path string) (Options, error) {
	var o Options
	b, err := os.ReadFile(path)
	if err != nil {
		return o, merr.Newf(merr.IoFailure, errnoOf(err), "read config %s", path)
	}
	if err := yaml.Unmarshal(b, &o); err != nil {
		return o, merr.Newf(merr.InvalidArg, 0, "parse config %s: %v", path, err)
	}
	err = o.normalize()
	return o, err
}
