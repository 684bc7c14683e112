package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hupe1980/vecstore"
	"github.com/hupe1980/vecstore/blobstore"
	"github.com/hupe1980/vecstore/codec"
)

// errVerifyFailed is returned when verification found issues.
var errVerifyFailed = errors.New("verification failed")

type command struct {
	stdout io.Writer
	stderr io.Writer
}

func (c *command) printJSON(v any) error {
	data, err := codec.GoJSON{}.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(data))
	return err
}

func (c *command) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
}

func (c *command) collections(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("collections")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.requirePath(fs); err != nil {
		return err
	}
	db, err := c.open(cf)
	if err != nil {
		return err
	}
	defer db.Close()

	infos, err := db.ListCollections(ctx)
	if err != nil {
		return err
	}
	if cf.json {
		return c.printJSON(infos)
	}
	tw := c.table()
	fmt.Fprintln(tw, "NAME\tID\tDIMENSION\tMETRIC\tCREATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", info.Name, info.ID, info.Dimension, info.Metric, info.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func (c *command) inspect(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("inspect")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.requirePath(fs); err != nil {
		return err
	}
	db, err := c.open(cf)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Inspect(ctx)
	if err != nil {
		return err
	}
	if cf.json {
		return c.printJSON(stats)
	}
	fmt.Fprintf(c.stdout, "path: %s\ncatalog: %s (version %d)\n\n", stats.Path, stats.CatalogBackend, stats.CatalogVersion)
	tw := c.table()
	fmt.Fprintln(tw, "NAME\tRECORDS\tENTRIES\tBYTES\tLSN\tDIMENSION\tMETRIC")
	for _, cs := range stats.Collections {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n", cs.Name, cs.Records, cs.Entries, cs.SegmentBytes, cs.LSN, cs.Dimension, cs.Metric)
	}
	return tw.Flush()
}

func (c *command) verify(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("verify")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.requirePath(fs); err != nil {
		return err
	}
	db, err := c.open(cf)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.Verify(ctx)
	if err != nil {
		return err
	}
	if cf.json {
		if err := c.printJSON(report); err != nil {
			return err
		}
	} else {
		for _, issue := range report.Issues {
			fmt.Fprintln(c.stdout, issue)
		}
		fmt.Fprintf(c.stdout, "%d collections, %d records, %d issues\n", report.Collections, report.Records, len(report.Issues))
	}
	if !report.OK() {
		return errVerifyFailed
	}
	return nil
}

// targetFlags select a backup target.
type targetFlags struct {
	config string
	target string
	dir    string
}

func addTargetFlags(fs *flag.FlagSet) *targetFlags {
	tf := &targetFlags{}
	fs.StringVar(&tf.config, "config", "", "config yaml with backup targets")
	fs.StringVar(&tf.target, "target", "", "target name in the config file")
	fs.StringVar(&tf.dir, "dir", "", "local backup directory (instead of -config/-target)")
	return tf
}

func (tf *targetFlags) open(ctx context.Context, fs *flag.FlagSet) (blobstore.BlobStore, error) {
	switch {
	case tf.dir != "" && (tf.config != "" || tf.target != ""):
		fmt.Fprintln(fs.Output(), "use either -dir or -config/-target, not both")
		return nil, errUsage
	case tf.dir != "":
		return TargetConfig{Type: "local", Dir: tf.dir}.Open(ctx)
	case tf.config == "" || tf.target == "":
		fmt.Fprintln(fs.Output(), "-dir or -config and -target are required")
		return nil, errUsage
	}
	cfg, err := LoadConfig(tf.config)
	if err != nil {
		return nil, err
	}
	t, err := cfg.Target(tf.target)
	if err != nil {
		return nil, err
	}
	return t.Open(ctx)
}

func (c *command) backup(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("backup")
	tf := addTargetFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.requirePath(fs); err != nil {
		return err
	}
	dst, err := tf.open(ctx, fs)
	if err != nil {
		return err
	}
	db, err := c.open(cf)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.Backup(ctx, dst)
	if err != nil {
		return err
	}
	return c.printManifest(cf, m)
}

func (c *command) printManifest(cf *commonFlags, m *vecstore.BackupManifest) error {
	if cf.json {
		return c.printJSON(m)
	}
	fmt.Fprintf(c.stdout, "catalog: %s (version %d)\n", m.CatalogBackend, m.CatalogVersion)
	tw := c.table()
	fmt.Fprintln(tw, "COLLECTION\tRECORDS\tBYTES\tDIGEST")
	for _, f := range m.Segments {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", f.Collection, f.Records, f.Size, f.Digest[:min(16, len(f.Digest))])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d collections, %d bytes\n", len(m.Segments), m.Size())
	return nil
}

func (c *command) restore(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("restore")
	tf := addTargetFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.requirePath(fs); err != nil {
		return err
	}
	src, err := tf.open(ctx, fs)
	if err != nil {
		return err
	}
	opts, err := cf.options(c.stderr)
	if err != nil {
		return err
	}
	if err := vecstore.Restore(ctx, src, cf.path, opts...); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "restored to %s\n", cf.path)
	return nil
}

func (c *command) verifyBackup(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("verify-backup")
	tf := addTargetFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	logger, err := cf.logger(c.stderr)
	if err != nil {
		return err
	}
	startGops(logger)
	src, err := tf.open(ctx, fs)
	if err != nil {
		return err
	}
	m, err := vecstore.VerifyBackup(ctx, src)
	if err != nil {
		return err
	}
	return c.printManifest(cf, m)
}

func (c *command) watch(ctx context.Context, args []string) error {
	fs, cf := c.newFlagSet("watch")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := cf.requirePath(fs); err != nil {
		return err
	}
	db, err := c.open(cf)
	if err != nil {
		return err
	}
	defer db.Close()

	changes, err := db.Watch(ctx)
	if err != nil {
		return err
	}
	for ch := range changes {
		if cf.json {
			err = c.printJSON(map[string]string{"kind": ch.Kind.String(), "collection_id": ch.CollectionID})
		} else if ch.CollectionID != "" {
			_, err = fmt.Fprintf(c.stdout, "%s %s\n", ch.Kind, ch.CollectionID)
		} else {
			_, err = fmt.Fprintln(c.stdout, ch.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
