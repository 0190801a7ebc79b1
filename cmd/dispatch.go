package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexora/dispatch/core/model"
)

var serverURL string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <orderID>",
	Short: "Move an order to Out for Delivery and offer it to nearby couriers",
	Args:  cobra.ExactArgs(1),
	RunE:  dispatchOrder,
}

func init() {
	dispatchCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "dispatchd base URL")
	rootCmd.AddCommand(dispatchCmd)
}

type dispatchResponse struct {
	Order        model.Order `json:"order"`
	AssignmentID string      `json:"assignmentId"`
	Candidates   []string    `json:"candidates"`
}

func dispatchOrder(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newAPIClient(cfg, serverURL)
	if err != nil {
		return err
	}
	var res dispatchResponse
	path := "/api/orders/" + url.PathEscape(args[0]) + "/status"
	body := map[string]string{"status": string(model.OrderOutForDelivery)}
	if err := c.do(cmd.Context(), http.MethodPatch, path, body, &res); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.AssignmentID == "" {
		fmt.Fprintf(out, "order %s is %s\n", res.Order.ID, res.Order.Status)
		return nil
	}
	fmt.Fprintf(out, "order %s offered as %s to %d courier(s): %s\n",
		res.Order.ID, res.AssignmentID, len(res.Candidates), strings.Join(res.Candidates, ", "))
	return nil
}
