package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bigstore-dev/bigstore/pkg/client"
	"github.com/bigstore-dev/bigstore/pkg/docstore"
	"github.com/bigstore-dev/bigstore/pkg/identity"
	"github.com/bigstore-dev/bigstore/pkg/ingest"
	"github.com/bigstore-dev/bigstore/pkg/lease"
	"github.com/bigstore-dev/bigstore/pkg/server"
	"github.com/bigstore-dev/bigstore/pkg/store/blobstore"
	"github.com/bigstore-dev/bigstore/pkg/util"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
)

// shutdownGracePeriod is how long in-flight requests may take to finish on shutdown.
const shutdownGracePeriod = 30 * time.Second

var CLI struct {
	Config    kong.ConfigFlag `help:"Load configuration from a JSON file." type:"path"`
	LogLevel  string          `name:"log-level" help:"Log level." enum:"trace,debug,info,warn,error" default:"info" env:"BIGSTORE_LOG_LEVEL"`
	LogFormat string          `name:"log-format" help:"Log format." enum:"text,json" default:"text" env:"BIGSTORE_LOG_FORMAT"`

	Serve struct {
		ListenAddr   string        `name:"listen-addr" help:"The address this service listens on." default:"[::]:9000" env:"BIGSTORE_LISTEN_ADDR"`
		BlobStore    string        `name:"blob-store" help:"URL of the blob store (mem://, file://, casync://, gs://, s3://)." default:"casync:///var/lib/bigstore/blobs" env:"BIGSTORE_BLOB_STORE"`
		ChunkCeiling int           `name:"chunk-ceiling" help:"Maximum size of a single write to the blob store, in bytes." default:"1048576" env:"BIGSTORE_CHUNK_CEILING"`
		StallTimeout time.Duration `name:"stall-timeout" help:"Abort uploads not receiving data for this long." default:"60s" env:"BIGSTORE_STALL_TIMEOUT"`

		LeaseKey        string        `name:"lease-key" help:"Key leases are encrypted with, 32 bytes, base64 or hex encoded." env:"BIGSTORE_LEASE_KEY"`
		RequireLeaseKey bool          `name:"require-lease-key" help:"Refuse to start without a lease key, instead of generating an ephemeral one." env:"BIGSTORE_REQUIRE_LEASE_KEY"`
		LeaseCipher     string        `name:"lease-cipher" help:"Cipher leases are encrypted with." enum:"aes-256-gcm,chacha20-poly1305" default:"aes-256-gcm" env:"BIGSTORE_LEASE_CIPHER"`
		LeaseTTL        time.Duration `name:"lease-ttl" help:"How long issued leases are valid." default:"720h" env:"BIGSTORE_LEASE_TTL"`

		DocumentDSN       string        `name:"document-dsn" help:"Database documents are stored in (sqlite DSN or postgres:// URL)." default:"file:/var/lib/bigstore/documents.db" env:"BIGSTORE_DOCUMENT_DSN"`
		DocumentCacheSize int           `name:"document-cache-size" help:"Number of documents to keep cached." default:"10000" env:"BIGSTORE_DOCUMENT_CACHE_SIZE"`
		DocumentCacheTTL  time.Duration `name:"document-cache-ttl" help:"How long documents stay cached." default:"168h" env:"BIGSTORE_DOCUMENT_CACHE_TTL"`
		Collections       []string      `name:"collections" help:"Collections served by the document store." env:"BIGSTORE_COLLECTIONS"`
		JWTSecret         string        `name:"jwt-secret" help:"Secret bearer tokens of the document store are signed with. Empty disables the document store." env:"BIGSTORE_JWT_SECRET"`

		CORSOrigins []string `name:"cors-origins" help:"Origins browsers may access the server from." env:"BIGSTORE_CORS_ORIGINS"`
	} `cmd:"" help:"Serve the big store and the document store."`

	Upload struct {
		URL       string `name:"url" short:"u" help:"URL of the server." default:"http://localhost:9000" env:"BIGSTORE_URL"`
		MediaType string `name:"media-type" help:"Media type to store the file with, instead of guessing it from the extension."`
		Encoding  string `name:"encoding" help:"Compress the upload on the wire (zstd, br or gzip)."`
		File      string `arg:"" help:"File to upload." type:"existingfile"`
	} `cmd:"" help:"Upload a file to the big store."`

	Lease struct {
		URL    string   `name:"url" short:"u" help:"URL of the server." default:"http://localhost:9000" env:"BIGSTORE_URL"`
		Assets []string `arg:"" help:"Addresses of the assets to lease."`
	} `cmd:"" help:"Request a lease on assets."`

	Fetch struct {
		URL    string `name:"url" short:"u" help:"URL of the server." default:"http://localhost:9000" env:"BIGSTORE_URL"`
		Lease  string `name:"lease" help:"Lease, as returned by the lease command." required:""`
		IV     string `name:"iv" help:"IV, as returned by the lease command." required:""`
		Output string `name:"output" short:"o" help:"File to write to, instead of stdout." type:"path"`
		Asset  string `arg:"" help:"Address of the asset to fetch."`
	} `cmd:"" help:"Fetch a leased asset."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("bigstore"),
		kong.Description("A content-addressed blob store handing out encrypted leases."),
		kong.Configuration(kong.JSON, "/etc/bigstore/config.json", "~/.config/bigstore/config.json"),
		kong.UsageOnError(),
	)

	level, err := log.ParseLevel(CLI.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(level)
	if CLI.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	switch ctx.Command() {
	case "serve":
		err = serve()
	case "upload <file>":
		err = upload()
	case "lease <assets>":
		err = leaseAssets()
	case "fetch <asset>":
		err = fetch()
	default:
		panic(ctx.Command())
	}
	if err != nil {
		log.Fatal(err)
	}
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the key is read once, and never changes while the process is running
	key, err := lease.LoadKey(CLI.Serve.LeaseKey, CLI.Serve.RequireLeaseKey)
	if err != nil {
		return err
	}

	blobStore, err := blobstore.NewFromURL(ctx, CLI.Serve.BlobStore)
	if err != nil {
		return err
	}

	authority, err := lease.NewAuthority(key, blobStore, lease.Options{
		Cipher: CLI.Serve.LeaseCipher,
		TTL:    CLI.Serve.LeaseTTL,
	})
	if err != nil {
		blobStore.Close()
		return err
	}

	stallTimeout := CLI.Serve.StallTimeout
	if stallTimeout == 0 {
		stallTimeout = -1
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s := server.NewServer(server.Options{
		CORSOrigins:  CLI.Serve.CORSOrigins,
		StallTimeout: stallTimeout,
		Registry:     registry,
	})
	defer s.Close()

	s.MountBigStore(blobStore, ingest.NewPipeline(blobStore, CLI.Serve.ChunkCeiling), authority)
	s.MountMetrics()

	if CLI.Serve.JWTSecret != "" {
		collections := CLI.Serve.Collections
		if len(collections) == 0 {
			collections = docstore.DefaultCollections
		}
		databaseStore, err := docstore.NewDatabaseStore(ctx, CLI.Serve.DocumentDSN, collections)
		if err != nil {
			return err
		}
		docStore := docstore.NewCachedStore(databaseStore, CLI.Serve.DocumentCacheSize, CLI.Serve.DocumentCacheTTL)
		s.MountDocumentStore(docStore, identity.NewJWTVerifier(CLI.Serve.JWTSecret))
	} else {
		log.Warn("no JWT secret configured, not serving the document store")
	}

	srv := &http.Server{
		Addr:              CLI.Serve.ListenAddr,
		Handler:           middleware.Logger(s.Handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       150 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"listenAddr": CLI.Serve.ListenAddr,
			"blobStore":  CLI.Serve.BlobStore,
		}).Info("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("received signal, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("unable to shut down gracefully")
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func upload() error {
	ctx := context.Background()

	c, err := client.New(CLI.Upload.URL, nil)
	if err != nil {
		return err
	}

	mediaType := CLI.Upload.MediaType
	if mediaType == "" {
		mediaType, err = util.MediaTypeByExtension(CLI.Upload.File)
		if err != nil {
			return err
		}
	}

	f, err := os.Open(CLI.Upload.File)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	res, err := c.Upload(ctx, f, client.UploadOptions{
		MediaType:       mediaType,
		ContentEncoding: CLI.Upload.Encoding,
		Size:            fi.Size(),
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func leaseAssets() error {
	c, err := client.New(CLI.Lease.URL, nil)
	if err != nil {
		return err
	}

	token, err := c.Lease(context.Background(), CLI.Lease.Assets)
	if err != nil {
		return err
	}
	return printJSON(token)
}

func fetch() error {
	c, err := client.New(CLI.Fetch.URL, nil)
	if err != nil {
		return err
	}

	rc, info, err := c.Fetch(context.Background(), CLI.Fetch.Asset, &lease.Token{
		Lease: CLI.Fetch.Lease,
		IV:    CLI.Fetch.IV,
	})
	if err != nil {
		return err
	}
	defer rc.Close()
	log.WithField("mediaType", info.MediaType).Debug("fetched asset")

	if CLI.Fetch.Output == "" {
		_, err = io.Copy(os.Stdout, rc)
		return err
	}

	f, err := os.Create(CLI.Fetch.Output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
