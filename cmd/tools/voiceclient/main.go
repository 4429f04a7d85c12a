// Command voiceclient exercises a running voice relay over its WebSocket.
//
// Usage:
//
//	voiceclient [--url ws://localhost:8080/ws] ping
//	voiceclient say "What's the weather like?" --out reply.mp3
//	voiceclient send-audio recording.webm --out reply.mp3
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	outputPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "voiceclient",
	Short:         "Manual test client for the voice relay WebSocket",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		if err := godotenv.Load(); err != nil {
			log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
		}
		if !cmd.Flags().Changed("url") {
			if env := os.Getenv("VOICE_RELAY_URL"); env != "" {
				serverURL = env
			}
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send a ping frame and print the pong",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, pingFrame())
	},
}

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Send a voice_message frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, textFrame(args[0]))
	},
}

var sendAudioCmd = &cobra.Command{
	Use:   "send-audio <file>",
	Short: "Send a recorded audio file as an audio_data frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read audio file: %w", err)
		}
		return run(cmd, audioFrame(data))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "ws://localhost:8080/ws", "voice relay WebSocket URL (env VOICE_RELAY_URL)")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "out", "o", "", "write reply audio to this file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for the reply")

	rootCmd.AddCommand(pingCmd, sayCmd, sendAudioCmd)
}

func run(cmd *cobra.Command, frame map[string]string) error {
	reply, err := exchange(cmd.Context(), serverURL, frame, timeout)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), reply, outputPath)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
