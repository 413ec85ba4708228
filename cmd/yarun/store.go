package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/yarun/internal/archive"
	"github.com/frederic-klein/yarun/internal/manifest"
	"github.com/frederic-klein/yarun/internal/store"
)

var extractDir string

func newStoreCmd() *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and maintain the implementation store",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored implementations",
		Args:  cobra.NoArgs,
		RunE:  runStoreList,
	}
	verifyCmd := &cobra.Command{
		Use:   "verify [digest...]",
		Short: "Check stored implementations against their manifests",
		RunE:  runStoreVerify,
	}
	addCmd := &cobra.Command{
		Use:   "add <digest> <directory|archive>",
		Short: "Add a directory or archive to the store under its expected digest",
		Args:  cobra.ExactArgs(2),
		RunE:  runStoreAdd,
	}
	addCmd.Flags().StringVar(&extractDir, "extract", "", "Only add this sub-directory of an archive")
	purgeCmd := &cobra.Command{
		Use:   "purge-staging",
		Short: "Remove leftovers of interrupted downloads",
		Args:  cobra.NoArgs,
		RunE:  runStorePurge,
	}

	storeCmd.AddCommand(listCmd, verifyCmd, addCmd, purgeCmd)
	return storeCmd
}

func openStore() (*store.Composite, error) {
	return store.Open(cfg.StoreDir, cfg.SharedStoreDirs, logger)
}

func runStoreList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	entries, err := st.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.Digest, e.Path)
	}
	return nil
}

func runStoreVerify(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	var digests []manifest.Digest
	if len(args) == 0 {
		entries, err := st.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			digests = append(digests, e.Digest)
		}
	}
	for _, a := range args {
		d, err := manifest.ParseDigest(a)
		if err != nil {
			return err
		}
		digests = append(digests, d)
	}

	failed := 0
	for _, d := range digests {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		if err := st.Verify(d); err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAILED %s: %v\n", d, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK     %s\n", d)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d implementations failed verification", failed, len(digests))
	}
	return nil
}

func runStoreAdd(cmd *cobra.Command, args []string) error {
	d, err := manifest.ParseDigest(args[0])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	info, err := os.Stat(args[1])
	if err != nil {
		return err
	}

	var entry store.Entry
	if info.IsDir() {
		entry, err = st.AddDirectory(cmd.Context(), d, args[1])
	} else {
		entry, err = addArchive(cmd, st, d, args[1])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%d bytes)\n", entry.Path, entry.Size)
	return nil
}

func addArchive(cmd *cobra.Command, st *store.Composite, d manifest.Digest, path string) (store.Entry, error) {
	staging, err := st.StagingDir()
	if err != nil {
		return store.Entry{}, err
	}
	if err := archive.Unpack(cmd.Context(), path, "", extractDir, staging); err != nil {
		os.RemoveAll(staging)
		return store.Entry{}, fmt.Errorf("unpacking %s: %w", path, err)
	}
	return st.Add(cmd.Context(), d, staging)
}

func runStorePurge(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	n, err := st.PurgeStaging()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d staging directories\n", n)
	return nil
}
