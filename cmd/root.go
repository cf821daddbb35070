package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/parget/parget/internal/output"
	"github.com/parget/parget/internal/scheduler"
	"github.com/parget/parget/internal/utils"
	"github.com/spf13/cobra"
)

var (
	outputPath    string
	connections   int
	splitSizeArg  string
	totalSize     int64
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	checkMedia    bool
	debug         bool
)

var PargetVersion = "dev"

var defaultSplitArg = fmt.Sprintf("%dM", utils.DefaultSplitSize>>20)

var rootCmd = &cobra.Command{
	Use:     "parget [URL]",
	Short:   "Parget is a segmented parallel download CLI",
	Version: PargetVersion,
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		url := args[0]
		if _, err := u.Parse(url); err != nil {
			output.PrintError("Invalid URL format")
			os.Exit(1)
		}
		job, err := buildJob(url, outputPath)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := scheduler.Run(ctx, []utils.DownloadJob{*job}, 1); err != nil {
			fmt.Println()
			output.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

func buildJob(url, out string) (*utils.DownloadJob, error) {
	splitSize, err := utils.ParseSize(splitSizeArg)
	if err != nil {
		return nil, fmt.Errorf("invalid split size: %w", err)
	}
	if splitSize < utils.MinSplitSize {
		return nil, fmt.Errorf("split size must be at least %s", utils.FormatBytes(uint64(utils.MinSplitSize)))
	}
	if out == "" {
		out = "download"
		if parsed, err := u.Parse(url); err == nil {
			if base := filepath.Base(parsed.Path); base != "." && base != "/" && base != "" {
				out = base
			}
		}
	}
	if _, err := os.Stat(out); err == nil {
		out = utils.RenewOutputPath(out)
		output.PrintInfo(fmt.Sprintf("Output exists, saving as %s", out))
	}
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	// Auth embedded in the proxy URL moves into the dedicated fields.
	if parsedProxy, err := u.Parse(proxyURL); err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	return &utils.DownloadJob{
		ID:          uuid.NewString(),
		URL:         url,
		OutputPath:  out,
		TotalSize:   totalSize,
		SplitSize:   splitSize,
		Connections: connections,
		Headers:     utils.ParseHeaderArgs(headers),
		CheckMedia:  checkMedia,
		HTTPClientConfig: utils.HTTPClientConfig{
			Timeout:       timeout,
			KATimeout:     kaTimeout,
			ProxyURL:      proxyURL,
			ProxyUsername: proxyUsername,
			ProxyPassword: proxyPassword,
			UserAgent:     userAgent,
			Headers:       utils.ParseHeaderArgs(headers),
		},
	}, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the URL if not provided)")
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", utils.DefaultConnections, "Number of connections (segment workers) per download")
	rootCmd.PersistentFlags().StringVarP(&splitSizeArg, "split-size", "s", defaultSplitArg, "Bytes per segment (eg. 512K, 20M, 1G)")
	rootCmd.PersistentFlags().Int64Var(&totalSize, "size", 0, "Declared content length in bytes (probed when omitted)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser one)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Bearer token'); can be specified multiple times")
	rootCmd.PersistentFlags().BoolVar(&checkMedia, "check-media", false, "Run ffmpeg integrity check on finished media files")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
}
