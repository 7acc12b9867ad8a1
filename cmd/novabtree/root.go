package main

import (
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tuannm99/novabtree/internal/btree"
	"github.com/tuannm99/novabtree/internal/config"
	"github.com/tuannm99/novabtree/internal/logging"
	"github.com/tuannm99/novabtree/internal/storage"
)

// app carries the loaded configuration between cobra hooks and commands.
type app struct {
	configPath string
	v          *viper.Viper
	cfg        *config.Config
	log        *slog.Logger
	logCloser  io.Closer
}

// flag name -> config key
var persistentKeys = map[string]string{
	"workdir":       "storage.workdir",
	"name":          "storage.name",
	"mode":          "storage.mode",
	"page-bits":     "storage.page_bits",
	"leaf-xtra":     "storage.leaf_xtra",
	"segment-pages": "storage.segment_pages",
	"max-pages":     "storage.max_pages",
	"retries":       "tree.retries",
	"log-level":     "logger.log_level",
	"log-format":    "logger.format",
	"log-file":      "logger.file_log_name",
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "novabtree",
		Short:         "Concurrent B-link tree index",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "yaml config file")
	pf.String("workdir", "", "directory holding the index files")
	pf.String("name", "", "base file name of the index")
	pf.String("mode", "", "arena kind: mmap or memory")
	pf.Uint("page-bits", 0, "log2 of the interior page size (new index only, 0 for the default)")
	pf.Uint("leaf-xtra", 0, "extra page bits for leaf pages (new index only)")
	pf.Int("segment-pages", 0, "pages per segment file (new index only)")
	pf.Uint64("max-pages", 0, "cap on pages per class, 0 for none")
	pf.Int("retries", 0, "re-descents before giving up on a racing split")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "text or json")
	pf.String("log-file", "", "write logs to this rotating file")

	root.AddCommand(
		newPutCmd(a),
		newGetCmd(a),
		newDelCmd(a),
		newScanCmd(a),
		newVerifyCmd(a),
		newStatsCmd(a),
		newStressCmd(a),
		newBenchCmd(a),
		newDropCmd(a),
	)
	return root
}

// bindFlags binds every flag in fs that has a config key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.New(a.configPath)
	if err != nil {
		return err
	}
	// BindPFlag only overrides the default when the flag was set.
	if err := bindFlags(v, cmd.Flags(), persistentKeys); err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags(), benchKeys); err != nil {
		return err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	a.v, a.cfg, a.log, a.logCloser = v, cfg, log, closer
	slog.SetDefault(log)
	return nil
}

func (a *app) fileSet() storage.LocalFileSet {
	return storage.LocalFileSet{Dir: a.cfg.Storage.Workdir, Base: a.cfg.Storage.Name}
}

func (a *app) arenaOptions() storage.Options {
	s := a.cfg.Storage
	return storage.Options{
		Geometry:     storage.Geometry{PageBits: s.PageBits, LeafXtra: s.LeafXtra},
		SegmentPages: s.SegmentPages,
		MaxPages:     s.MaxPages,
	}
}

// openTree opens the configured index. A memory index starts empty.
func (a *app) openTree() (*btree.Tree, error) {
	opts := []btree.Option{btree.WithLogger(a.log), btree.WithRetries(a.cfg.Tree.Retries)}
	if a.cfg.Storage.Mode == "memory" {
		arena, err := storage.NewMemArena(a.arenaOptions())
		if err != nil {
			return nil, err
		}
		return btree.Open(arena, opts...)
	}
	return btree.OpenFile(a.fileSet(), a.arenaOptions(), opts...)
}

// openTreeAt opens a scratch mapped index under dir.
func (a *app) openTreeAt(dir string) (*btree.Tree, error) {
	lfs := storage.LocalFileSet{Dir: dir, Base: filepath.Base(dir)}
	return btree.OpenFile(lfs, a.arenaOptions(), btree.WithLogger(a.log), btree.WithRetries(a.cfg.Tree.Retries))
}

// withTree runs fn on the configured index and closes it afterwards.
func (a *app) withTree(fn func(t *btree.Tree) error) (err error) {
	t, err := a.openTree()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(t)
}
