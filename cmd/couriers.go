package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexora/dispatch/api/couriers"
)

var nearbyLat, nearbyLon, nearbyRadius float64

var couriersCmd = &cobra.Command{
	Use:   "couriers",
	Short: "Courier related commands",
}

var couriersNearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List online couriers around a point, nearest first",
	RunE:  runCouriersNearby,
}

func init() {
	f := couriersNearbyCmd.Flags()
	f.Float64Var(&nearbyLat, "lat", 0, "latitude")
	f.Float64Var(&nearbyLon, "lon", 0, "longitude")
	f.Float64Var(&nearbyRadius, "radius", 0, "radius in meters (service default when 0)")
	f.StringVar(&serverURL, "server", "http://localhost:8080", "dispatchd base URL")
	_ = couriersNearbyCmd.MarkFlagRequired("lat")
	_ = couriersNearbyCmd.MarkFlagRequired("lon")
	couriersCmd.AddCommand(couriersNearbyCmd)
	rootCmd.AddCommand(couriersCmd)
}

func runCouriersNearby(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newAPIClient(cfg, serverURL)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(nearbyLat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(nearbyLon, 'f', -1, 64))
	if nearbyRadius > 0 {
		q.Set("radius", strconv.FormatFloat(nearbyRadius, 'f', -1, 64))
	}
	var list []couriers.Nearby
	if err := c.do(cmd.Context(), http.MethodGet, "/api/couriers/nearby?"+q.Encode(), nil, &list); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDISTANCE_M\tBUSY")
	for _, n := range list {
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%t\n", n.ID, n.Name, n.DistanceMeters, n.Busy)
	}
	return w.Flush()
}
