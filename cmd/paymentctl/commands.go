package main

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"CanvasPay/internal/payerr"
	"CanvasPay/internal/payments"
)

type operator interface {
	GetStatus(ctx context.Context, paymentID string) (*payments.StatusView, error)
	ResetAfterDuplicate(ctx context.Context, paymentID string) (*payments.InitResult, error)
}

type openFunc func(ctx context.Context, configPath string) (operator, func(), error)

func newRootCmd(open openFunc) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "paymentctl",
		Short:        "Operator tools for canvas payments",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (defaults to $CONFIG_PATH or configs/config.yaml)")

	withOperator := func(cmd *cobra.Command, fn func(op operator) error) error {
		op, closeFn, err := open(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(op)
	}

	root.AddCommand(
		newStatusCmd(withOperator),
		newResetCmd(withOperator),
		newClassifyCmd(),
	)
	return root
}

func newStatusCmd(with func(*cobra.Command, func(operator) error) error) *cobra.Command {
	return &cobra.Command{
		Use:   "status <paymentId>",
		Short: "Show a payment's reconciled status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(op operator) error {
				view, err := op.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd, view)
			})
		},
	}
}

func newResetCmd(with func(*cobra.Command, func(operator) error) error) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <paymentId>",
		Short: "Reset a payment that failed on an unresolved duplicate submission",
		Long: "Supersedes the failed durable record with a fresh one and puts the session back to\n" +
			"INITIALIZED. Only payments that failed with DUPLICATE_TRANSACTION can be reset.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(op operator) error {
				res, err := op.ResetAfterDuplicate(cmd.Context(), args[0])
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd, res)
			})
		},
	}
}

type classification struct {
	Category  payerr.Category `json:"category"`
	Code      string          `json:"code,omitempty"`
	Retryable bool            `json:"retryable"`
	UserCopy  string          `json:"userCopy"`
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <message>",
		Short: "Classify a raw failure message the way the payment flow would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe := payerr.Classify(errors.New(args[0]))
			return printJSON(cmd, classification{
				Category:  pe.Category,
				Code:      pe.Code,
				Retryable: pe.Retryable,
				UserCopy:  payerr.FormatForUser(pe),
			})
		},
	}
}

func describe(err error) error {
	pe := payerr.Classify(err)
	if pe.Code != "" {
		return errors.Errorf("%s (%s/%s)", pe.Message, pe.Category, pe.Code)
	}
	return errors.Errorf("%s (%s)", pe.Message, pe.Category)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
