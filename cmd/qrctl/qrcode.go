package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type issueResponse struct {
	UniqueCode     string  `json:"unique_code"`
	SubjectID      string  `json:"subject_id"`
	OrganizationID *string `json:"organization_id"`
	Envelope       string  `json:"envelope"`
	QRImage        []byte  `json:"qr_image"`
	IssuedAt       string  `json:"issued_at"`
	ExpiresAt      string  `json:"expires_at"`
}

type recordResponse struct {
	UniqueCode     string  `json:"unique_code"`
	SubjectID      string  `json:"subject_id"`
	OrganizationID *string `json:"organization_id"`
	Status         string  `json:"status"`
	ExpiresAt      string  `json:"expires_at"`
	RevokedAt      string  `json:"revoked_at"`
	LastVerifiedAt string  `json:"last_verified_at"`
	CreatedAt      string  `json:"created_at"`
}

// issueCmd はQRコードの発行コマンド。
func issueCmd() *cobra.Command {
	var (
		subjectID string
		orgID     string
		days      int
		pngPath   string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new secure QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"subject_id": subjectID}
			if orgID != "" {
				req["organization_id"] = orgID
			}
			if days > 0 {
				req["validity_days"] = days
			}

			body, err := callAPI(http.MethodPost, "/v1/qrcodes", req, http.StatusCreated)
			if err != nil {
				return err
			}
			var resp issueResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if pngPath != "" {
				if err := os.WriteFile(pngPath, resp.QRImage, 0o644); err != nil {
					return fmt.Errorf("writing image: %w", err)
				}
			}

			return printJSONOr(cmd, body, func() error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Issued %s for subject %q (expires: %s)\n", resp.UniqueCode, resp.SubjectID, resp.ExpiresAt)
				if pngPath != "" {
					fmt.Fprintf(out, "QR image written to %s\n", pngPath)
				}
				fmt.Fprintln(out, resp.Envelope)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "Subject ID (required)")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().IntVar(&days, "days", 0, "Validity in days (server default if omitted)")
	cmd.Flags().StringVar(&pngPath, "png", "", "Write the QR image to this file")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// verifyCmd はエンベロープの検証コマンド。引数が "-" の場合は標準入力から読む。
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <envelope|->",
		Short: "Verify a scanned envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope := args[0]
			if envelope == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				envelope = strings.TrimSpace(string(b))
			}

			body, err := callAPI(http.MethodPost, "/v1/qrcodes/verify", map[string]string{"envelope": envelope}, http.StatusOK)
			if err != nil {
				return err
			}
			var resp struct {
				IsValid       bool   `json:"is_valid"`
				FailureReason string `json:"failure_reason"`
				UniqueCode    string `json:"unique_code"`
				Claims        *struct {
					SubjectID      string  `json:"subject_id"`
					OrganizationID *string `json:"organization_id"`
					ExpiresAt      string  `json:"expires_at"`
				} `json:"claims"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			return printJSONOr(cmd, body, func() error {
				out := cmd.OutOrStdout()
				if !resp.IsValid {
					fmt.Fprintf(out, "INVALID (%s)\n", resp.FailureReason)
					return nil
				}
				fmt.Fprintf(out, "VALID %s\n", resp.UniqueCode)
				if c := resp.Claims; c != nil {
					org := "-"
					if c.OrganizationID != nil {
						org = *c.OrganizationID
					}
					fmt.Fprintf(out, "  subject: %s\n  organization: %s\n  expires: %s\n", c.SubjectID, org, c.ExpiresAt)
				}
				return nil
			})
		},
	}
}

// getCmd は発行記録の取得コマンド。
func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <unique-code>",
		Short: "Show an issuance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/qrcodes/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var r recordResponse
			if err := json.Unmarshal(body, &r); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printJSONOr(cmd, body, func() error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "CODE\t%s\n", r.UniqueCode)
				fmt.Fprintf(w, "SUBJECT\t%s\n", r.SubjectID)
				if r.OrganizationID != nil {
					fmt.Fprintf(w, "ORGANIZATION\t%s\n", *r.OrganizationID)
				}
				fmt.Fprintf(w, "STATUS\t%s\n", r.Status)
				fmt.Fprintf(w, "EXPIRES\t%s\n", r.ExpiresAt)
				if r.RevokedAt != "" {
					fmt.Fprintf(w, "REVOKED\t%s\n", r.RevokedAt)
				}
				if r.LastVerifiedAt != "" {
					fmt.Fprintf(w, "LAST VERIFIED\t%s\n", r.LastVerifiedAt)
				}
				return w.Flush()
			})
		},
	}
}

// statusCmd はrevoke/suspend/reactivateのコマンドを生成する。
func statusCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <unique-code>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/qrcodes/" + url.PathEscape(args[0]) + "/" + action
			if _, err := callAPI(http.MethodPost, path, nil, http.StatusAccepted); err != nil {
				return err
			}
			return printJSONOr(cmd, []byte("{}"), func() error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s done\n", args[0], action)
				return nil
			})
		},
	}
}

// expiringCmd は期限が近いQRコードの一覧コマンド。
func expiringCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "expiring",
		Short: "List active QR codes expiring soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/qrcodes/expiring?days="+strconv.Itoa(days), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var resp struct {
				Records []recordResponse `json:"records"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printJSONOr(cmd, body, func() error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "CODE\tSUBJECT\tEXPIRES")
				for _, r := range resp.Records {
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.UniqueCode, r.SubjectID, r.ExpiresAt)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Window in days")
	return cmd
}

// expireCmd は期限切れの一括更新コマンド。
func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark QR codes past their expiry as EXPIRED",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/qrcodes/expire", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var resp struct {
				Expired int64 `json:"expired"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printJSONOr(cmd, body, func() error {
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %d QR code(s) as expired.\n", resp.Expired)
				return nil
			})
		},
	}
}

// historyCmd は検証履歴の一覧コマンド。
func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <unique-code>",
		Short: "Show verification history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/qrcodes/%s/verifications?limit=%d", url.PathEscape(args[0]), limit)
			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var resp struct {
				Verifications []struct {
					IsValid       bool   `json:"is_valid"`
					FailureReason string `json:"failure_reason"`
					IPAddress     string `json:"ip_address"`
					VerifiedAt    string `json:"verified_at"`
				} `json:"verifications"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printJSONOr(cmd, body, func() error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "VERIFIED AT\tRESULT\tIP")
				for _, v := range resp.Verifications {
					result := "VALID"
					if !v.IsValid {
						result = v.FailureReason
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", v.VerifiedAt, result, v.IPAddress)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show issuance and verification statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := callAPI(http.MethodGet, "/v1/qrcodes/statistics", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var resp struct {
				Total              int64 `json:"total"`
				Active             int64 `json:"active"`
				Suspended          int64 `json:"suspended"`
				Revoked            int64 `json:"revoked"`
				Expired            int64 `json:"expired"`
				VerificationsToday int64 `json:"verifications_today"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printJSONOr(cmd, body, func() error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintf(w, "Total:\t%d\n", resp.Total)
				fmt.Fprintf(w, "Active:\t%d\n", resp.Active)
				fmt.Fprintf(w, "Suspended:\t%d\n", resp.Suspended)
				fmt.Fprintf(w, "Revoked:\t%d\n", resp.Revoked)
				fmt.Fprintf(w, "Expired:\t%d\n", resp.Expired)
				fmt.Fprintf(w, "Verifications today:\t%d\n", resp.VerificationsToday)
				return w.Flush()
			})
		},
	}
}

// compromiseCmd は検証失敗の多いQRコードを判定する。
func compromiseCmd() *cobra.Command {
	var (
		window    time.Duration
		threshold int
	)
	cmd := &cobra.Command{
		Use:   "compromise <unique-code>",
		Short: "Check whether a QR code has too many failed verifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("window", window.String())
			q.Set("threshold", strconv.Itoa(threshold))
			path := fmt.Sprintf("/v1/qrcodes/%s/compromise?%s", url.PathEscape(args[0]), q.Encode())
			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var resp struct {
				UniqueCode     string `json:"unique_code"`
				Compromised    bool   `json:"compromised"`
				FailedAttempts int64  `json:"failed_attempts"`
				WindowSeconds  int64  `json:"window_seconds"`
				Threshold      int    `json:"threshold"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			return printJSONOr(cmd, body, func() error {
				verdict := "OK"
				if resp.Compromised {
					verdict = "COMPROMISED"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d failed in %s, threshold %d)\n",
					resp.UniqueCode, verdict, resp.FailedAttempts,
					time.Duration(resp.WindowSeconds)*time.Second, resp.Threshold)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Hour, "Time window to count failed verifications")
	cmd.Flags().IntVar(&threshold, "threshold", 5, "Failures above this count are reported as compromised")
	return cmd
}
