package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/cnw-hwid-license/hwlicense"
	"github.com/CloudNativeWorks/cnw-hwid-license/store"
)

const defaultServerURL = "http://localhost:8080"

// remoteFlags are shared by every command that talks to a running server.
type remoteFlags struct {
	server  string
	timeout time.Duration
	retries int
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	server := os.Getenv("HWLICENSE_SERVER_URL")
	if server == "" {
		server = defaultServerURL
	}
	cmd.PersistentFlags().StringVar(&f.server, "server", server, "license server URL")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 10*time.Second, "per-request timeout")
	cmd.PersistentFlags().IntVar(&f.retries, "retries", hwlicense.DefaultRetryPolicy.Attempts, "attempts for transient failures")
}

func (f *remoteFlags) client(opts ...hwlicense.ClientOption) *hwlicense.Client {
	opts = append([]hwlicense.ClientOption{hwlicense.WithTimeout(f.timeout)}, opts...)
	return hwlicense.NewClient(f.server, opts...)
}

func (f *remoteFlags) policy() hwlicense.RetryPolicy {
	p := hwlicense.DefaultRetryPolicy
	p.Attempts = f.retries
	return p
}

func call[T any](ctx context.Context, f *remoteFlags, fn func(context.Context) (T, error)) (T, error) {
	return hwlicense.Retry(ctx, f.policy(), fn)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVoucherCmd() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "voucher",
		Short: "Administer activation vouchers on a running server",
	}
	flags.register(cmd)

	var (
		devices     int
		days        int
		description string
		expires     string
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new voucher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := hwlicense.GenerateVoucherRequest{AllowedDevices: devices, DurationDays: days}
			if description != "" {
				req.Description = &description
			}
			if expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("--expires must be RFC 3339: %w", err)
				}
				req.ExpiryDate = &t
			}
			// Generation is not idempotent, so it is attempted once.
			resp, err := flags.client().GenerateVoucher(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.VoucherCode)
			return nil
		},
	}
	generate.Flags().IntVar(&devices, "devices", 1, "number of devices the voucher can activate")
	generate.Flags().IntVar(&days, "days", 365, "license duration granted by the voucher")
	generate.Flags().StringVar(&description, "description", "", "free-form description")
	generate.Flags().StringVar(&expires, "expires", "", "voucher expiry (RFC 3339)")

	show := &cobra.Command{
		Use:   "show CODE",
		Short: "Show a voucher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := flags.client()
			v, err := call(cmd.Context(), &flags, func(ctx context.Context) (*store.Voucher, error) {
				return client.Voucher(ctx, args[0])
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate CODE",
		Short: "Deactivate a voucher and, on their next validation, its licenses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := flags.client()
			resp, err := call(cmd.Context(), &flags, func(ctx context.Context) (*hwlicense.MessageResponse, error) {
				return client.DeactivateVoucher(ctx, args[0])
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	cmd.AddCommand(generate, show, deactivate)
	return cmd
}

func hardwareID(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return hwlicense.GenerateFingerprint()
}

func newRegisterCmd() *cobra.Command {
	var (
		flags   remoteFlags
		client  string
		hwid    string
		voucher string
		days    int
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this machine (or --hwid) with a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hardwareID(hwid)
			if err != nil {
				return err
			}
			req := hwlicense.RegisterRequest{ClientName: client, HardwareID: id}
			if voucher != "" {
				req.VoucherCode = &voucher
			}
			if days > 0 {
				req.Days = &days
			}
			// Registration is not idempotent, so it is attempted once.
			resp, err := flags.client().Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&hwid, "hwid", "", "hardware ID (default: this machine's fingerprint)")
	cmd.Flags().StringVar(&voucher, "voucher", "", "voucher code to redeem")
	cmd.Flags().IntVar(&days, "days", 0, "license duration in days, instead of a voucher")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var (
		flags remoteFlags
		hwid  string
	)
	cmd := &cobra.Command{
		Use:   "validate LICENSE_ID",
		Short: "Validate a license for this machine (or --hwid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hardwareID(hwid)
			if err != nil {
				return err
			}
			c := flags.client()
			resp, err := call(cmd.Context(), &flags, func(ctx context.Context) (*hwlicense.ValidateResponse, error) {
				return c.Validate(ctx, hwlicense.ValidateRequest{LicenseID: args[0], HardwareID: id})
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&hwid, "hwid", "", "hardware ID (default: this machine's fingerprint)")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's hardware ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hwlicense.GenerateFingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
