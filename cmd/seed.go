package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed <fixtures.yaml>",
	Short: "Load users and orders from a YAML fixture into the configured store",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

type fixtures struct {
	Users  []fixtureUser  `yaml:"users"`
	Orders []fixtureOrder `yaml:"orders"`
}

type fixtureUser struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Email  string  `yaml:"email"`
	Mobile string  `yaml:"mobile"`
	Role   string  `yaml:"role"`
	Lat    float64 `yaml:"lat"`
	Lon    float64 `yaml:"lon"`
}

type fixtureItem struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	Price    float64 `yaml:"price"`
	Quantity int     `yaml:"quantity"`
}

type fixtureOrder struct {
	ID       string        `yaml:"id"`
	Customer string        `yaml:"customer"`
	Items    []fixtureItem `yaml:"items"`
	Payment  string        `yaml:"payment"`
	Address  string        `yaml:"address"`
	City     string        `yaml:"city"`
	Lat      float64       `yaml:"lat"`
	Lon      float64       `yaml:"lon"`
}

func parseFixtures(r io.Reader) (fixtures, error) {
	var f fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return f, fmt.Errorf("parse fixtures: %w", err)
	}
	return f, nil
}

func (u fixtureUser) model() (model.User, error) {
	role := model.Role(u.Role)
	switch role {
	case model.RoleCustomer, model.RoleCourier, model.RoleAdmin:
	default:
		return model.User{}, fmt.Errorf("user %s: unknown role %q", u.ID, u.Role)
	}
	return model.User{
		ID: u.ID, Name: u.Name, Email: u.Email, Mobile: u.Mobile, Role: role,
		Location: model.GeoPoint{Latitude: u.Lat, Longitude: u.Lon},
	}, nil
}

func (o fixtureOrder) model() (model.Order, error) {
	out := model.Order{
		ID:            o.ID,
		CustomerID:    o.Customer,
		PaymentMethod: model.PaymentMethod(o.Payment),
		Status:        model.OrderReceived,
		Address: model.Address{
			FullAddress: o.Address,
			City:        o.City,
			Location:    model.GeoPoint{Latitude: o.Lat, Longitude: o.Lon},
		},
	}
	if out.PaymentMethod == "" {
		out.PaymentMethod = model.PaymentCOD
	}
	out.Paid = out.PaymentMethod == model.PaymentOnline
	for _, it := range o.Items {
		out.Items = append(out.Items, model.LineItem{ItemID: it.ID, Name: it.Name, Price: it.Price, Quantity: it.Quantity})
		out.TotalAmount += it.Price * float64(it.Quantity)
	}
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("order %s: %w", o.ID, err)
	}
	return out, nil
}

// seed writes the fixtures. Users and orders that already exist are
// skipped so a fixture can be loaded twice.
func seed(ctx context.Context, st store.Store, f fixtures) (users, orders int, err error) {
	for _, fu := range f.Users {
		u, err := fu.model()
		if err != nil {
			return users, orders, err
		}
		if _, err := st.GetUser(ctx, u.ID); err == nil {
			continue
		}
		if err := st.CreateUser(ctx, &u); err != nil {
			return users, orders, fmt.Errorf("user %s: %w", u.ID, err)
		}
		users++
	}
	for _, fo := range f.Orders {
		o, err := fo.model()
		if err != nil {
			return users, orders, err
		}
		if o.ID != "" {
			if _, err := st.GetOrder(ctx, o.ID); err == nil {
				continue
			}
		}
		if err := st.CreateOrder(ctx, &o); err != nil {
			return users, orders, fmt.Errorf("order %s: %w", o.ID, err)
		}
		orders++
	}
	return users, orders, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fh, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer fh.Close()
	f, err := parseFixtures(fh)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("store %s: %w", cfg.Store.Type, err)
	}
	defer st.Close()
	users, orders, err := seed(cmd.Context(), st, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d user(s) and %d order(s) into %s\n", users, orders, cfg.Store.Type)
	return nil
}
