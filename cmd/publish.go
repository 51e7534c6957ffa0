package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/store"
	"github.com/establishment/storesync/internal/transport"
	"github.com/spf13/cobra"
)

var (
	publishUpdate string
	publishDelete string
	publishKind   string
)

var publishCmd = &cobra.Command{
	Use:   "publish <type> [json]",
	Short: "Write an object through the server",
	Long: `Creates an object of the given type from a JSON object (read from stdin
when omitted) and prints the events the server journaled.

  storesync publish Article '{"name": "Hello"}'
  storesync publish Article --update 3 '{"name": "Hi"}'
  storesync publish Article --delete 3
  storesync publish Message --kind reaction --update 7 '{"reaction": "+1"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishUpdate, "update", "u", "", "Update the object with this id")
	publishCmd.Flags().StringVarP(&publishDelete, "delete", "d", "", "Delete the object with this id")
	publishCmd.Flags().StringVarP(&publishKind, "kind", "k", "", "Send a domain event of this kind (needs --update)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	objectType := args[0]
	if publishUpdate != "" && publishDelete != "" {
		return fmt.Errorf("--update and --delete are mutually exclusive")
	}
	if publishKind != "" && publishUpdate == "" {
		return fmt.Errorf("--kind needs the target id in --update")
	}

	settings := transport.DefaultClientSettings()
	settings.Token = cfg.Client.Token
	settings.Timeout = cfg.Client.Timeout.Std()
	client := transport.NewClient(cmd.Context(), cfg.Client.URL, settings, logger)
	defer client.Close()

	var (
		payload *dispatch.Payload
		err     error
	)
	if publishDelete != "" {
		payload, err = client.DeleteObject(cmd.Context(), objectType, store.ID(publishDelete))
	} else {
		fields, ferr := readFields(args[1:])
		if ferr != nil {
			return ferr
		}
		switch {
		case publishKind != "":
			payload, err = client.SendEvent(cmd.Context(), objectType, store.ID(publishUpdate), store.Kind(publishKind), fields)
		case publishUpdate != "":
			payload, err = client.UpdateObject(cmd.Context(), objectType, store.ID(publishUpdate), fields)
		default:
			payload, err = client.CreateObject(cmd.Context(), objectType, fields)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", objectType, err)
	}

	for _, ev := range payload.Events {
		fmt.Printf("%s %s %s (event %s, stream %q)\n", ev.Type, ev.ObjectType, ev.ObjectID, ev.EventID, ev.Stream)
	}
	return nil
}

func readFields(args []string) (store.Fields, error) {
	var r io.Reader = os.Stdin
	if len(args) > 0 {
		r = strings.NewReader(args[0])
	}
	var fields store.Fields
	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to parse object JSON: %w", err)
	}
	return fields, nil
}
