// Command redeemctl is the CLI for the redemption API.
//
// Usage:
//
//	redeemctl request --venue evm --asset gold --quantity 2 --name ... --line1 ...
//	redeemctl cancel <id>
//	redeemctl show <id> [--wait 30s]
//	redeemctl history [--type redemption] [--status confirmed] [--page 2]
//	redeemctl watch
//	redeemctl processing <id>
//	redeemctl fulfilled <id>
//	redeemctl token <owner-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/marko911/bullion-redeem/internal/api"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

var (
	apiEndpoint   = envOrDefault("REDEEM_API_URL", "http://localhost:8080")
	ownerToken    = envOrDefault("REDEEM_TOKEN", "")
	operatorToken = envOrDefault("OPERATOR_TOKEN", "")
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "request":
		err = requestCmd(ctx, os.Args[2:])
	case "cancel":
		err = cancelCmd(ctx, os.Args[2:])
	case "show":
		err = showCmd(ctx, os.Args[2:])
	case "history":
		err = historyCmd(ctx, os.Args[2:])
	case "watch":
		err = newClient(apiEndpoint, ownerToken).watch(ctx, os.Stdout)
	case "processing", "fulfilled":
		err = advanceCmd(ctx, os.Args[1], os.Args[2:])
	case "token":
		err = tokenCmd(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version", "-v":
		fmt.Println("redeemctl version 0.1.0")
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`redeemctl - CLI for physical bullion redemptions

Usage:
  redeemctl request [options]       Request a redemption
  redeemctl cancel <id>             Cancel a redemption
  redeemctl show <id> [--wait dur]  Show a redemption, optionally waiting for settlement
  redeemctl history [options]       List the owner's transaction history
  redeemctl watch                   Stream status notifications
  redeemctl processing <id>         Mark a confirmed redemption as processing (operator)
  redeemctl fulfilled <id>          Mark a processing redemption as fulfilled (operator)
  redeemctl token <owner-id>        Mint a development token (needs JWT_SECRET)
  redeemctl help                    Show this help
  redeemctl version                 Show version

Request Options:
  --venue      evm, solana or permissioned (required)
  --asset      gold or silver (required)
  --quantity   Token quantity (required)
  --name, --line1, --line2, --city, --region, --postal-code, --country, --phone
               Delivery address

History Options:
  --page, --limit, --search, --type, --status, --asset, --from, --to

Environment Variables:
  REDEEM_API_URL   API endpoint (default: http://localhost:8080)
  REDEEM_TOKEN     Owner bearer token
  OPERATOR_TOKEN   Operator token for processing/fulfilled
  JWT_SECRET       Signing secret for the token command

Examples:
  redeemctl request --venue evm --asset gold --quantity 1 --name "A. Owner" \
      --line1 "1 Main St" --city Zurich --postal-code 8001 --country CH
  redeemctl show 7b1e... --wait 45s
  redeemctl history --type redemption --status confirmed`)
}

func requestCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	venue := fs.String("venue", "", "Settlement venue (required)")
	asset := fs.String("asset", "", "Asset kind (required)")
	quantity := fs.String("quantity", "", "Token quantity (required)")
	var addr redemption.DeliveryAddress
	fs.StringVar(&addr.FullName, "name", "", "Recipient name")
	fs.StringVar(&addr.Line1, "line1", "", "Address line 1")
	fs.StringVar(&addr.Line2, "line2", "", "Address line 2")
	fs.StringVar(&addr.City, "city", "", "City")
	fs.StringVar(&addr.Region, "region", "", "Region or state")
	fs.StringVar(&addr.PostalCode, "postal-code", "", "Postal code")
	fs.StringVar(&addr.Country, "country", "", "Country code")
	fs.StringVar(&addr.Phone, "phone", "", "Contact phone")
	fs.Parse(args)

	if *venue == "" || *asset == "" || *quantity == "" {
		return fmt.Errorf("--venue, --asset and --quantity are required")
	}

	res, err := newClient(apiEndpoint, ownerToken).request(ctx, createRequest{
		Venue:           *venue,
		AssetKind:       *asset,
		Quantity:        *quantity,
		DeliveryAddress: addr,
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n  Redemption submitted.\n\n")
	fmt.Printf("  ID:     %s\n", res.ID)
	fmt.Printf("  Status: %s\n\n", res.Status)
	fmt.Printf("  Follow it with: redeemctl show %s --wait 60s\n", res.ID)
	return nil
}

func cancelCmd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: redeemctl cancel <id>")
	}
	res, err := newClient(apiEndpoint, ownerToken).cancel(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Cancellation of %s submitted (status %s).\n", res.ID, res.Status)
	return nil
}

func showCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	wait := fs.Duration("wait", 0, "Wait up to this long for settlement")
	id, rest := splitID(args)
	fs.Parse(rest)
	if id == "" {
		id = fs.Arg(0)
	}
	if id == "" {
		return fmt.Errorf("usage: redeemctl show <id> [--wait dur]")
	}

	rec, err := newClient(apiEndpoint, ownerToken).show(ctx, id, *wait)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func historyCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	page := fs.Int("page", 0, "Page number")
	limit := fs.Int("limit", 0, "Entries per page")
	search := fs.String("search", "", "Free text search")
	typ := fs.String("type", "", "redemption, purchase or transfer")
	status := fs.String("status", "", "Status filter")
	asset := fs.String("asset", "", "Asset kind filter")
	from := fs.String("from", "", "Start date (YYYY-MM-DD)")
	to := fs.String("to", "", "End date (YYYY-MM-DD)")
	fs.Parse(args)

	q := url.Values{}
	if *page > 0 {
		q.Set("page", strconv.Itoa(*page))
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	setIf(q, "search", *search)
	setIf(q, "type", *typ)
	setIf(q, "status", *status)
	setIf(q, "assetKind", *asset)
	setIf(q, "dateFrom", *from)
	setIf(q, "dateTo", *to)

	res, err := newClient(apiEndpoint, ownerToken).history(ctx, q)
	if err != nil {
		return err
	}
	if len(res.Data) == 0 {
		fmt.Println("No history entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTYPE\tASSET\tAMOUNT\tVALUE USD\tSTATUS\tVENUE\tID")
	fmt.Fprintln(w, "----\t----\t-----\t------\t---------\t------\t-----\t--")
	for _, e := range res.Data {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Date.Format(time.RFC3339), e.Type, e.AssetKind, e.Amount, e.ValueUSD.StringFixed(2), e.Status, e.Venue, e.ID)
	}
	w.Flush()
	p := res.Pagination
	fmt.Printf("\nPage %d of %d (%d entries)\n", p.Page, p.TotalPages, p.Total)
	return nil
}

func advanceCmd(ctx context.Context, step string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: redeemctl %s <id>", step)
	}
	if operatorToken == "" {
		return fmt.Errorf("OPERATOR_TOKEN is not set")
	}
	rec, err := newClient(apiEndpoint, operatorToken).advance(ctx, args[0], step)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func tokenCmd(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	owner, rest := splitID(args)
	fs.Parse(rest)
	if owner == "" {
		owner = fs.Arg(0)
	}
	if owner == "" {
		return fmt.Errorf("usage: redeemctl token <owner-id> [--ttl 24h]")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}

	auth := api.NewAuthenticator(api.AuthConfig{
		HMACSecret: secret,
		Issuer:     os.Getenv("JWT_ISSUER"),
	})
	token, err := auth.IssueToken(owner, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printRecord(rec *redemption.Request) {
	fmt.Printf("Redemption: %s\n", rec.ID)
	fmt.Printf("  Status:     %s\n", rec.Status)
	fmt.Printf("  Venue:      %s\n", rec.Venue)
	fmt.Printf("  Asset:      %s\n", rec.AssetKind)
	fmt.Printf("  Quantity:   %s\n", rec.Quantity)
	if rec.VenueRequestID != "" {
		fmt.Printf("  Venue ID:   %s\n", rec.VenueRequestID)
	}
	if rec.SettlementReference != "" {
		fmt.Printf("  Settlement: %s\n", rec.SettlementReference)
	}
	if rec.FailureReason != "" {
		fmt.Printf("  Failure:    %s\n", rec.FailureReason)
	}
	fmt.Printf("  Created:    %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Updated:    %s\n", rec.UpdatedAt.Format(time.RFC3339))
}

// splitID lets the positional id come before flags, which flag.Parse would
// otherwise stop at.
func splitID(args []string) (string, []string) {
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		return args[0], args[1:]
	}
	return "", args
}

func setIf(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
