package config

import (
	"flag"
	"os"
	"time"

	"github.com/upstitch/upstitch/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      bearer token validity, minutes
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-l int      max segments per upload
//	-z int      max segment size, bytes
//	-m int      max ingestion attempts per segment
//	-r int      linger retention, hours
//	-y          materialize synchronously during finalize
//	-w int      worker pool size
//	-q int      worker queue depth
//	-i int      purge sweep interval, minutes
//	-o string   spool directory for assembly scratch files
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-a", "-d", "-s", "-t", "-u", "-p", "-b", "-g", "-e",
		"-l", "-z", "-m", "-r", "-y", "-w", "-q", "-i", "-o",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	tokenValidity := fs.Int("t", int(config.TokenValidityDuration.Minutes()), "token_validity_duration (in minutes)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.Int64Var(&config.SegmentLimit, "l", config.SegmentLimit, "max segments per upload")
	fs.Int64Var(&config.SegmentAllowableSize, "z", config.SegmentAllowableSize, "max segment size (bytes)")
	fs.IntVar(&config.SegmentMaxAttempts, "m", config.SegmentMaxAttempts, "max ingestion attempts per segment")

	lingerRetention := fs.Int("r", int(config.LingerRetention.Hours()), "linger_retention (in hours)")

	fs.BoolVar(&config.MaterializeSynchronously, "y", config.MaterializeSynchronously, "materialize synchronously during finalize")
	fs.IntVar(&config.WorkerCount, "w", config.WorkerCount, "worker pool size")
	fs.IntVar(&config.QueueDepth, "q", config.QueueDepth, "worker queue depth")

	purgeInterval := fs.Int("i", int(config.PurgeInterval.Minutes()), "purge_interval (in minutes)")

	fs.StringVar(&config.SpoolDir, "o", config.SpoolDir, "spool directory")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TokenValidityDuration = time.Duration(*tokenValidity) * time.Minute
	config.LingerRetention = time.Duration(*lingerRetention) * time.Hour
	config.PurgeInterval = time.Duration(*purgeInterval) * time.Minute
}
