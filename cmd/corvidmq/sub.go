package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"corvidmq/internal/logging"

	"github.com/spf13/cobra"
)

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe to a topic and print messages until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if subQoS < 0 || subQoS > 2 {
			return fmt.Errorf("--qos must be between 0 and 2, got %d", subQoS)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		onMessage := func(topic string, payload []byte, qos uint8, retained bool) bool {
			fmt.Printf("%s %s\n", topic, payload)
			return true
		}

		client, err := dialAndConnect(cfg, onMessage)
		if err != nil {
			return err
		}
		defer client.disconnect()

		tok, err := client.eng.Subscribe(client.handle, subTopic, uint8(subQoS))
		if err != nil {
			return logging.LoggedErrorf("subscribe: %w", err)
		}
		if err := client.eng.WaitForCompletion(tok, 0); err != nil {
			return logging.LoggedErrorf("subscribe did not complete: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

var (
	subTopic string
	subQoS   int
)

func init() {
	rootCmd.AddCommand(subCmd)
	flags := subCmd.Flags()
	flags.StringVarP(&subTopic, "topic", "t", "test", "topic to subscribe to")
	flags.IntVarP(&subQoS, "qos", "q", 0, "quality of service 0-2")
}
