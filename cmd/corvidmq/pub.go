package main

import (
	"fmt"

	"corvidmq/internal/logging"

	"github.com/spf13/cobra"
)

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish a message to a topic and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pubQoS < 0 || pubQoS > 2 {
			return fmt.Errorf("--qos must be between 0 and 2, got %d", pubQoS)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := dialAndConnect(cfg, nil)
		if err != nil {
			return err
		}
		defer client.disconnect()

		tok, err := client.eng.Publish(client.handle, pubTopic, []byte(pubMessage), uint8(pubQoS), pubRetain)
		if err != nil {
			return logging.LoggedErrorf("publish: %w", err)
		}
		if err := client.eng.WaitForCompletion(tok, 0); err != nil {
			return logging.LoggedErrorf("publish did not complete: %w", err)
		}
		return nil
	},
}

var (
	pubTopic   string
	pubMessage string
	pubQoS     int
	pubRetain  bool
)

func init() {
	rootCmd.AddCommand(pubCmd)
	flags := pubCmd.Flags()
	flags.StringVarP(&pubTopic, "topic", "t", "test", "topic to publish to")
	flags.StringVarP(&pubMessage, "message", "m", "", "message payload")
	flags.IntVarP(&pubQoS, "qos", "q", 0, "quality of service 0-2")
	flags.BoolVarP(&pubRetain, "retain", "r", false, "set the retain flag")
}
