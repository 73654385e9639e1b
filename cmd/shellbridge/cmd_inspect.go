package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"shellbridge/internal/assets"
	"shellbridge/internal/cookies"
)

// runAssets prints the catalog with human-readable sizes.
func runAssets(cmd *cobra.Command, args []string) error {
	entries, err := assets.Collect(cfg.PublicPath())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(out, "No assets in %s\n", cfg.PublicPath())
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	var total int64
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Path, humanize.IBytes(uint64(e.Size)), assets.ContentType(e.Path))
		total += e.Size
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s in %s\n", humanize.IBytes(uint64(total)), humanize.Comma(int64(len(entries)))+" files")
	return nil
}

func openInspectableStore() (cookies.Store, error) {
	if cfg.SessionPartition == "" {
		return nil, fmt.Errorf("the default session is in-memory; set session_partition to inspect a persistent partition")
	}
	return openPartition(cfg)
}

// runCookiesList prints stored cookies, all of them or those for --url.
func runCookiesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openInspectableStore()
	if err != nil {
		return err
	}
	defer cookies.Close(store)

	var recs []cookies.Record
	if cookiesURL != "" {
		recs, err = store.Get(ctx, cookiesURL)
	} else if lister, ok := store.(cookies.Lister); ok {
		recs, err = lister.All(ctx)
	} else {
		return fmt.Errorf("store cannot list cookies; pass --url")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No cookies")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVALUE\tDOMAIN\tPATH\tEXPIRES\tFLAGS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Name, r.Value, r.Domain, r.Path, expiresLabel(r), flagsLabel(r))
	}
	return tw.Flush()
}

// runCookiesClear deletes every cookie in the partition.
func runCookiesClear(cmd *cobra.Command, args []string) error {
	store, err := openInspectableStore()
	if err != nil {
		return err
	}
	defer cookies.Close(store)

	lister, ok := store.(cookies.Lister)
	if !ok {
		return fmt.Errorf("store cannot be cleared")
	}
	if err := lister.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", cfg.SessionPartition)
	return nil
}

func expiresLabel(r cookies.Record) string {
	if r.Session() {
		return "session"
	}
	return humanize.RelTime(r.Expires, time.Now(), "ago", "from now")
}

func flagsLabel(r cookies.Record) string {
	s := string(r.SameSite)
	if r.Secure {
		s += ",secure"
	}
	if r.HTTPOnly {
		s += ",httponly"
	}
	if r.HostOnly {
		s += ",hostonly"
	}
	return s
}
