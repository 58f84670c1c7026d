package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/juju/ratelimit"
	"github.com/psanford/donutupload"
	"github.com/psanford/donutupload/chunkstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var (
	configFile    string
	verboseOutput bool
	quiet         bool

	// canceled on SIGINT so an interrupted push stops at a chunk boundary
	ctx context.Context
)

var rootCmd = &cobra.Command{
	Use:   "donutupload-cli",
	Short: "Resumable upload store CLI",
}

func main() {
	var cancel context.CancelFunc
	ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default $HOME/.donutupload.yaml)")
	pf.BoolVarP(&verboseOutput, "verbose", "v", false, "Debug logging")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Hide progress bars")
	pf.String("backend", "", "Chunk store backend: dynamo|sqlite")
	pf.String("table", "", "DynamoDB table")
	pf.String("region", "", "AWS region")
	pf.String("endpoint", "", "DynamoDB endpoint url")
	pf.String("sqlite-path", "", "SQLite database path")
	pf.String("lock", "", "Write lock: none|local|dynamo|redis")

	for _, name := range []string{"backend", "table", "region", "endpoint", "lock"} {
		viper.BindPFlag(name, pf.Lookup(name))
	}
	viper.BindPFlag("sqlite_path", pf.Lookup("sqlite-path"))

	rootCmd.AddCommand(configCommand())
	rootCmd.AddCommand(createCommand())
	rootCmd.AddCommand(lsCommand())
	rootCmd.AddCommand(offsetCommand())
	rootCmd.AddCommand(pullCommand())
	rootCmd.AddCommand(pushCommand())
	rootCmd.AddCommand(rmCommand())
	rootCmd.AddCommand(debugCommand())
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var (
	createLength int64
	createMeta   []string
)

func createCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "create [upload_id]",
		Short: "Create an empty upload, printing its id",
		Run:   createAction,
	}

	cmd.Flags().Int64Var(&createLength, "length", -1, "Declared upload length in bytes (omit to defer)")
	cmd.Flags().StringArrayVar(&createMeta, "meta", nil, "Metadata as key=value, repeatable")

	return &cmd
}

func parseMeta(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			logrus.Fatalf("Bad metadata %q, want key=value", p)
		}
		meta[k] = v
	}
	return meta
}

func createAction(cmd *cobra.Command, args []string) {
	b := mustBackend()
	defer b.close()

	id := donutupload.NewUploadID()
	if len(args) > 0 {
		id = args[0]
	}

	var length *int64
	if createLength >= 0 {
		length = &createLength
	}

	_, err := b.store.Create(ctx, id, length, length == nil, parseMeta(createMeta))
	if err != nil {
		logrus.Fatalf("Create upload err: %s", err)
	}

	fmt.Println(id)
}

func lsCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "ls",
		Short: "List uploads",
		Run:   lsAction,
	}

	return &cmd
}

func lsAction(cmd *cobra.Command, args []string) {
	b := mustBackend()
	defer b.close()

	err := b.list(func(rec *chunkstore.FileRecord) bool {
		length := "deferred"
		if rec.DeclaredLength != nil {
			length = fmt.Sprintf("%d", *rec.DeclaredLength)
		}
		if verboseOutput {
			fmt.Printf("%s key=%s size=%d length=%s chunk_size=%d created=%s meta=%v\n",
				rec.ExternalID, rec.Key, rec.Size, length, rec.ChunkSize, rec.CreatedAt.Format("2006-01-02T15:04:05Z"), rec.Metadata)
		} else {
			fmt.Printf("%s size=%d length=%s\n", rec.ExternalID, rec.Size, length)
		}
		return true
	})
	if err != nil {
		logrus.Fatalf("List uploads err: %s", err)
	}
}

func offsetCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "offset <upload_id>",
		Short: "Show the resumable offset of an upload",
		Run:   offsetAction,
	}

	return &cmd
}

func offsetAction(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		logrus.Fatalf("Usage: offset <upload_id>")
	}

	b := mustBackend()
	defer b.close()

	info, err := b.store.GetOffset(ctx, args[0])
	if err != nil {
		logrus.Fatalf("Get offset err: %s", err)
	}

	length := "deferred"
	if info.DeclaredLength != nil {
		length = fmt.Sprintf("%d", *info.DeclaredLength)
	}
	fmt.Printf("offset=%d length=%s chunk_size=%d\n", info.Size, length, info.ChunkSize)
}

func pullCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "pull <upload_id> <local_file>",
		Short: "Download an upload to the local filesystem",
		Run:   pullAction,
	}

	return &cmd
}

func pullAction(cmd *cobra.Command, args []string) {
	if len(args) < 2 {
		logrus.Fatalf("Usage: pull <upload_id> <local_file>")
	}

	id := args[0]
	filename := args[1]

	b := mustBackend()
	defer b.close()

	info, err := b.store.GetOffset(ctx, id)
	if err != nil {
		logrus.Fatalf("Get upload err: %s", err)
	}

	outFile, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		logrus.Fatalf("File %s already exists on disk, won't overwrite", filename)
	}
	defer outFile.Close()

	r, err := b.store.OpenRead(ctx, id)
	if err != nil {
		logrus.Fatalf("Open upload err: %s", err)
	}
	defer r.Close()

	progress, bar := newProgressBar("pull "+id, info.Size)
	_, err = io.Copy(outFile, bar.ProxyReader(r))
	if err != nil {
		bar.Abort(false)
		progress.Wait()
		outFile.Close()
		os.Remove(filename)
		logrus.Fatalf("Copy upload to local disk err: %s", err)
	}
	bar.SetTotal(-1, true)
	progress.Wait()

	logrus.Infof("wrote %s (%d bytes)", filename, info.Size)
}

var (
	pushBWLimit int64
	pushMeta    []string
)

func pushCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "push <local_file> [upload_id]",
		Short: "Upload a local file, resuming if the upload already exists",
		Run:   pushAction,
	}

	cmd.Flags().Int64Var(&pushBWLimit, "bwlimit", 0, "Bandwidth limit in KiB/s (0 for unlimited)")
	cmd.Flags().StringArrayVar(&pushMeta, "meta", nil, "Metadata as key=value for a new upload, repeatable")

	return &cmd
}

func pushAction(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		logrus.Fatalf("Usage: push <local_file> [upload_id]")
	}

	srcFileName := args[0]

	localFile, err := os.Open(srcFileName)
	if err != nil {
		logrus.Fatalf("Failed to open local file: %s, err: %s", srcFileName, err)
	}
	defer localFile.Close()

	st, err := localFile.Stat()
	if err != nil {
		logrus.Fatalf("Stat local file err: %s", err)
	}
	total := st.Size()

	b := mustBackend()
	defer b.close()

	id := donutupload.NewUploadID()
	if len(args) > 1 {
		id = args[1]
	}

	var offset int64
	info, err := b.store.GetOffset(ctx, id)
	if errors.Is(err, donutupload.ErrNotFound) {
		meta := parseMeta(pushMeta)
		if meta == nil {
			meta = map[string]string{}
		}
		if _, ok := meta["filename"]; !ok {
			meta["filename"] = st.Name()
		}
		_, err = b.store.Create(ctx, id, &total, false, meta)
		if err != nil {
			logrus.Fatalf("Create upload err: %s", err)
		}
	} else if err != nil {
		logrus.Fatalf("Get offset err: %s", err)
	} else {
		offset = info.Size
		if info.DeclaredLength != nil && *info.DeclaredLength != total {
			logrus.Fatalf("Upload %s has declared length %d but %s is %d bytes", id, *info.DeclaredLength, srcFileName, total)
		}
		logrus.Infof("resuming %s at offset %d", id, offset)
	}

	if _, err := localFile.Seek(offset, io.SeekStart); err != nil {
		logrus.Fatalf("Seek local file err: %s", err)
	}

	var src io.Reader = localFile
	if pushBWLimit > 0 {
		rate := float64(pushBWLimit * 1024)
		src = ratelimit.Reader(src, ratelimit.NewBucketWithRate(rate, pushBWLimit*1024))
	}

	progress, bar := newProgressBar("push "+id, total)
	bar.SetCurrent(offset)

	size, err := b.store.Write(ctx, id, bar.ProxyReader(src), offset)
	if err != nil {
		bar.Abort(false)
		progress.Wait()
		logrus.Fatalf("Push failed at offset %d (rerun `push %s %s` to resume): %s", size, srcFileName, id, err)
	}
	bar.SetTotal(-1, true)
	progress.Wait()

	fmt.Println(id)
	logrus.Infof("pushed %s to %s (%d bytes)", srcFileName, id, size)
}

func rmCommand() *cobra.Command {
	cmd := cobra.Command{
		Use:   "rm <upload_id>",
		Short: "Remove an upload and its chunks",
		Run:   rmAction,
	}

	return &cmd
}

func rmAction(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		logrus.Fatalf("Usage: rm <upload_id>")
	}

	b := mustBackend()
	defer b.close()

	err := b.store.Remove(ctx, args[0])
	if err != nil {
		logrus.Fatalf("Failed to rm upload: %s", err)
	}
}

func newProgressBar(title string, total int64) (*mpb.Progress, *mpb.Bar) {
	var progress *mpb.Progress
	if !quiet {
		progress = mpb.New(mpb.WithWidth(64))
	} else {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(nil))
	}
	bar := progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncWidth),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
		),
	)
	return progress, bar
}
