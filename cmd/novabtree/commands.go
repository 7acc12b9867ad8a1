package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tuannm99/novabtree/internal/btree"
	"github.com/tuannm99/novabtree/internal/storage"
)

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY ID [KEY ID]...",
		Short: "Insert or update keys",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("put needs KEY ID pairs, got %d args", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTree(func(t *btree.Tree) error {
				for i := 0; i < len(args); i += 2 {
					id, err := strconv.ParseUint(args[i+1], 10, 64)
					if err != nil {
						return fmt.Errorf("id for %q: %w", args[i], err)
					}
					if err := t.Insert([]byte(args[i]), btree.ObjID(id)); err != nil {
						return fmt.Errorf("put %q: %w", args[i], err)
					}
				}
				return nil
			})
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY...",
		Short: "Look up keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withTree(func(t *btree.Tree) error {
				for _, k := range args {
					id, ok, err := t.Find([]byte(k))
					if err != nil {
						return fmt.Errorf("get %q: %w", k, err)
					}
					if !ok {
						fmt.Fprintf(out, "%s\t(not found)\n", k)
						continue
					}
					fmt.Fprintf(out, "%s\t%d\n", k, id)
				}
				return nil
			})
		},
	}
}

func newDelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "del KEY...",
		Short: "Delete keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withTree(func(t *btree.Tree) error {
				for _, k := range args {
					ok, err := t.Delete([]byte(k))
					if err != nil {
						return fmt.Errorf("del %q: %w", k, err)
					}
					state := "deleted"
					if !ok {
						state = "(not found)"
					}
					fmt.Fprintf(out, "%s\t%s\n", k, state)
				}
				return nil
			})
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	var (
		from, to string
		limit    int
		reverse  bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List keys in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return a.withTree(func(t *btree.Tree) error {
				c := t.Cursor()
				step := c.NextKey
				switch {
				case reverse && to != "":
					c.SeekKey([]byte(to))
				case reverse:
					c.SeekLast()
				case from != "":
					c.SeekKey([]byte(from))
				}
				if reverse {
					step = c.PrevKey
				}
				for n := 0; limit <= 0 || n < limit; n++ {
					id, ok := step()
					if !ok {
						break
					}
					k := string(c.Key())
					if !reverse && to != "" && k >= to {
						break
					}
					if reverse && from != "" && k < from {
						break
					}
					fmt.Fprintf(out, "%s\t%d\n", k, id)
				}
				return c.Err()
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first key (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end key (exclusive)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many keys, 0 for all")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "scan from the end")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check page, link and key order invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTree(func(t *btree.Tree) error {
				if err := t.Verify(); err != nil {
					return err
				}
				h, err := t.Height()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries, height %d\n", t.NumEntries(), h)
				return nil
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per level page statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return a.withTree(func(t *btree.Tree) error {
				st, err := t.Stats()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "entries %d  height %d  page bits %d  leaf xtra %d  max key %d\n",
					st.Entries, st.Height, st.Geometry.PageBits, st.Geometry.LeafXtra, st.MaxKeyLen)
				fmt.Fprintf(out, "%5s %8s %10s %8s %10s %10s\n", "level", "pages", "keys", "dead", "garbage", "free")
				for _, l := range st.Levels {
					fmt.Fprintf(out, "%5d %8d %10d %8d %10d %10d\n", l.Level, l.Pages, l.Keys, l.Dead, l.Garbage, l.Free)
				}
				fmt.Fprintf(out, "arena: %d/%d interior pages free, %d/%d leaf pages free\n",
					st.Arena.Free[storage.Interior], st.Arena.Pages[storage.Interior],
					st.Arena.Free[storage.Leaf], st.Arena.Pages[storage.Leaf])
				return nil
			})
		},
	}
}

func newDropCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "Remove the index files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := btree.DropIndex(a.fileSet()); err != nil {
				return err
			}
			a.log.Info("novabtree.drop", "index", a.fileSet().String())
			return nil
		},
	}
}
