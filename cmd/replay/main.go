package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/quantfold/tradeagent/internal/audit"
)

// Replays the audit ledger for one date (optionally one instrument) and
// reconstructs daily P&L from executed orders and forced closes.
func main() {
	log.SetFlags(0)

	path := flag.String("ledger", "data/audit.jsonl", "path to jsonl audit ledger")
	date := flag.String("date", time.Now().UTC().Format("2006-01-02"), "date to replay (YYYY-MM-DD)")
	instrument := flag.String("instrument", "", "optional instrument filter")
	flag.Parse()

	ledger, err := audit.NewJSONLLedger(*path)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	records, err := ledger.Find(context.Background(), audit.Query{Date: *date, Instrument: *instrument})
	if err != nil {
		log.Fatalf("query ledger: %v", err)
	}
	if len(records) == 0 {
		log.Fatalf("no audit records for %s", *date)
	}

	type openLot struct {
		size  int64
		price float64
	}
	open := map[string]openLot{}
	realized := map[string]float64{}
	counts := map[string]int{}

	for _, rec := range records {
		counts[rec.Outcome]++
		if rec.OrderResult == nil || rec.OrderResult.FilledSize == 0 {
			continue
		}
		or := rec.OrderResult
		signed := or.FilledSize
		if or.Side == "sell" {
			signed = -signed
		}
		lot, ok := open[or.Instrument]
		switch {
		case !ok || lot.size == 0:
			open[or.Instrument] = openLot{size: signed, price: or.FilledAvgPrice}
		case (lot.size > 0) != (signed > 0):
			// Closing trade against the open lot.
			realized[or.Instrument] += float64(lot.size) * (or.FilledAvgPrice - lot.price)
			open[or.Instrument] = openLot{}
		default:
			// Same-direction add; average the entry.
			total := lot.size + signed
			lot.price = (lot.price*float64(lot.size) + or.FilledAvgPrice*float64(signed)) / float64(total)
			lot.size = total
			open[or.Instrument] = lot
		}
	}

	fmt.Printf("audit replay %s", *date)
	if *instrument != "" {
		fmt.Printf(" (%s)", *instrument)
	}
	fmt.Printf(": %d records\n\n", len(records))

	fmt.Println("outcomes:")
	for outcome, n := range counts {
		fmt.Printf("  %-14s %d\n", outcome, n)
	}

	fmt.Println("\nrealized P&L:")
	total := 0.0
	for inst, pnl := range realized {
		fmt.Printf("  %-8s %+.2f\n", inst, pnl)
		total += pnl
	}
	fmt.Printf("  %-8s %+.2f\n", "TOTAL", total)

	fmt.Println("\nstill open at end of ledger:")
	for inst, lot := range open {
		if lot.size != 0 {
			fmt.Printf("  %-8s %+d @ %.2f\n", inst, lot.size, lot.price)
		}
	}
}
