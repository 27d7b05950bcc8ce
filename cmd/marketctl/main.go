// marketctl inspects a marketd data directory: individual requests and
// submissions, per-identity indexes and the escrow counter. It opens the
// state database read-style and prints JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"datamarket/core/state"
	"datamarket/crypto"
	"datamarket/native/market"
	"datamarket/storage"
)

func main() {
	dataDir := flag.String("data", "./marketdata", "path to the marketd state database")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	db, err := storage.NewLevelDB(*dataDir)
	if err != nil {
		fatal("open state database: %v", err)
	}
	defer db.Close()
	manager := state.NewManager(db)

	switch args[0] {
	case "request":
		id := parseID(args)
		req, ok, err := manager.RequestGet(id)
		if err != nil {
			fatal("load request: %v", err)
		}
		if !ok {
			fatal("request %d not found", id)
		}
		printJSON(requestView(req))
	case "submission":
		id := parseID(args)
		sub, ok, err := manager.SubmissionGet(id)
		if err != nil {
			fatal("load submission: %v", err)
		}
		if !ok {
			fatal("submission %d not found", id)
		}
		printJSON(submissionView(sub))
	case "totals":
		total, err := manager.TotalEscrowed()
		if err != nil {
			fatal("load escrow total: %v", err)
		}
		vault, err := manager.GetAccount(manager.VaultAddress())
		if err != nil {
			fatal("load vault account: %v", err)
		}
		printJSON(map[string]string{
			"totalEscrowed": total.String(),
			"vaultBalance":  vault.Balance.String(),
			"vaultAddress":  addressString(manager.VaultAddress()),
		})
	case "buyer":
		ids, err := manager.BuyerRequests(parseAddr(args))
		if err != nil {
			fatal("load buyer index: %v", err)
		}
		printJSON(map[string][]uint64{"requests": ids})
	case "seller":
		ids, err := manager.SellerSubmissions(parseAddr(args))
		if err != nil {
			fatal("load seller index: %v", err)
		}
		printJSON(map[string][]uint64{"submissions": ids})
	case "verifier":
		ids, err := manager.FinalizationsBy(parseAddr(args))
		if err != nil {
			fatal("load verifier index: %v", err)
		}
		printJSON(map[string][]uint64{"finalizations": ids})
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: marketctl [-data dir] <request|submission> <id> | totals | <buyer|seller|verifier> <address>")
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseID(args []string) uint64 {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fatal("invalid id %q", args[1])
	}
	return id
}

func parseAddr(args []string) [20]byte {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	addr, err := crypto.DecodeAddress(args[1])
	if err != nil {
		fatal("invalid address %q: %v", args[1], err)
	}
	var out [20]byte
	copy(out[:], addr.Bytes())
	return out
}

func printJSON(v interface{}) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode output: %v", err)
	}
	fmt.Println(string(encoded))
}

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.MarketPrefix, addr[:]).String()
}

func requestView(req *market.Request) map[string]interface{} {
	view := map[string]interface{}{
		"id":          req.ID,
		"buyer":       addressString(req.Buyer),
		"budget":      req.Budget.String(),
		"formats":     req.AcceptedFormats.String(),
		"description": req.Description,
		"status":      req.Status.String(),
		"createdAt":   req.CreatedAt,
	}
	if req.Finalization != nil {
		view["finalization"] = map[string]interface{}{
			"qualityScore": req.Finalization.QualityScore,
			"reportRef":    req.Finalization.ReportRef,
			"submissionId": req.Finalization.SubmissionID,
		}
	}
	return view
}

func submissionView(sub *market.Submission) map[string]interface{} {
	return map[string]interface{}{
		"id":             sub.ID,
		"requestId":      sub.RequestID,
		"seller":         addressString(sub.Seller),
		"producerModel":  addressString(sub.ProducerModel),
		"format":         sub.Meta.Format.String(),
		"fileSize":       sub.Meta.FileSize,
		"sampleCount":    sub.Meta.SampleCount,
		"fileExtensions": sub.Meta.FileExtensions,
		"datasetRef":     sub.Meta.DatasetRef,
		"status":         sub.Status.String(),
		"qualityChecked": sub.QualityChecked,
		"createdAt":      sub.CreatedAt,
	}
}
