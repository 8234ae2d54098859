// Command andromeda-mount mounts a remote object-storage account as a
// local FUSE filesystem, backed by an HTTP or CLI-subprocess transport
// and a shared page cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
	bcli "github.com/cabewaldrop/andromeda-fuse/internal/backend/cli"
	bhttp "github.com/cabewaldrop/andromeda-fuse/internal/backend/http"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache"
	"github.com/cabewaldrop/andromeda-fuse/internal/config"
	"github.com/cabewaldrop/andromeda-fuse/internal/fuseops"
	"github.com/cabewaldrop/andromeda-fuse/internal/tree"
	"github.com/cabewaldrop/andromeda-fuse/internal/web"
)

const (
	version = "0.1.0"
	banner  = `
    _           _                           _
   / \   _ __  (_)  _ __   __ _  ___    ___ | |
  / _ \ | '_ \ | | | '__| / _' |/ __|  / _ \| |
 / ___ \| | | || | | |   | (_| |\__ \ |  __/|_|
/_/   \_\_| |_||_| |_|    \__,_||___/  \___|(_)

  Remote storage, mounted locally - Version %s
`
)

func main() {
	apiURL := flag.String("url", "", "base URL of the HTTP API (mutually exclusive with -cli)")
	cliPath := flag.String("cli", "", "path to a CLI helper binary speaking the JSON-lines protocol")
	mountpoint := flag.String("mountpoint", "", "local directory to mount onto")
	username := flag.String("username", "", "account username, if authentication is required")
	password := flag.String("password", "", "account password, if authentication is required")
	statusPort := flag.Int("status-port", 8745, "port for the diagnostics status server, 0 to disable")
	memoryLimit := flag.Uint64("memory-limit", config.DefaultMemoryLimit, "resident cache byte budget")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("andromeda-mount version %s\n", version)
		return
	}
	fmt.Printf(banner, version)

	if *mountpoint == "" {
		fmt.Fprintln(os.Stderr, "error: -mountpoint is required")
		os.Exit(1)
	}

	be, err := buildBackend(*apiURL, *cliPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if closer, ok := be.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	if *username != "" {
		if err := be.Authenticate(ctx, *username, *password, ""); err != nil {
			fmt.Fprintf(os.Stderr, "authentication failed: %v\n", err)
			os.Exit(1)
		}
	}

	beCfg, err := be.GetConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error fetching backend config: %v\n", err)
		os.Exit(1)
	}
	fsCfg := config.FromBackendConfig(beCfg)

	opts := config.NewCacheOptions(config.WithMemoryLimit(*memoryLimit))
	mgr := cache.NewManager(opts.MemoryLimit, opts.MemoryMargin(), opts.MaxDirtyTime, log)
	defer mgr.Close()

	tr := tree.New(be)
	fsRoot := fuseops.New(be, tr, mgr, opts, fsCfg, log)

	server, err := mountFuse(*mountpoint, fsRoot, beCfg.ReadOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error mounting: %v\n", err)
		os.Exit(1)
	}

	if *statusPort > 0 {
		go func() {
			if err := web.NewServer(*statusPort, fsRoot).Run(); err != nil {
				log.Error("status server stopped", "err", err)
			}
		}()
	}

	fmt.Printf("mounted at %s (ctrl-c or fusermount -u to unmount)\n", *mountpoint)
	waitForUnmount(server)
}

// buildBackend selects the HTTP or CLI transport based on which flag was
// given; exactly one of apiURL/cliPath must be non-empty.
func buildBackend(apiURL, cliPath string) (backend.Backend, error) {
	switch {
	case apiURL != "" && cliPath != "":
		return nil, fmt.Errorf("-url and -cli are mutually exclusive")
	case apiURL != "":
		return bhttp.New(apiURL), nil
	case cliPath != "":
		return bcli.New(cliPath), nil
	default:
		return nil, fmt.Errorf("one of -url or -cli is required")
	}
}

func mountFuse(mountpoint string, fsRoot *fuseops.Filesystem, readOnly bool) (*gofuse.Server, error) {
	root := fuseops.Root(fsRoot)
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:     "andromeda",
			Name:       "andromeda-fuse",
			AllowOther: false,
		},
	}
	if readOnly {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}
	return fs.Mount(mountpoint, root, opts)
}

// waitForUnmount blocks until either the kernel reports the filesystem was
// unmounted (fusermount -u, or a crash) or the process receives SIGINT or
// SIGTERM, in which case it asks the kernel to unmount before returning.
func waitForUnmount(server *gofuse.Server) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-sig:
		_ = server.Unmount()
		<-done
	}
}
