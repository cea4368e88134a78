package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"parley/repositories"
)

// Read-only inspector for a live database: lists conversations and,
// optionally, the messages of one of them.
func main() {
	dbPath := flag.String("db", "", "Path to badger DB")
	conversation := flag.Uint64("conversation", 0, "Dump messages of this conversation id (0 = list conversations)")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("missing -db flag")
	}

	// BypassLockGuard allows opening while the server holds the lock.
	opts := badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if *conversation == 0 {
		err = listConversations(db)
	} else {
		err = listMessages(db, *conversation)
	}
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func listConversations(db *badger.DB) error {
	table := newTable([]string{"ID", "Participant A", "Participant B", "Created"})
	count := 0

	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("conv:id:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				conv, err := repositories.DecodeConversation(val)
				if err != nil {
					fmt.Printf("Error decoding key %s: %v\n", it.Item().Key(), err)
					return nil
				}
				table.Append([]string{
					fmt.Sprintf("%d", conv.ID),
					string(conv.ParticipantA),
					string(conv.ParticipantB),
					conv.CreatedAt.Format(time.RFC822),
				})
				count++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	color.Green.Printf("Found %d conversations\n\n", count)
	table.Render()
	return nil
}

func listMessages(db *badger.DB, conversation uint64) error {
	table := newTable([]string{"ID", "Sender", "Receiver", "Lang", "Read", "Created", "Content"})
	count := 0

	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("msg:%019d:", conversation))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				message, err := repositories.DecodeMessage(val)
				if err != nil {
					fmt.Printf("Error decoding key %s: %v\n", it.Item().Key(), err)
					return nil
				}
				read := ""
				if message.Read {
					read = "x"
				}
				table.Append([]string{
					fmt.Sprintf("%d", message.ID),
					string(message.SenderID),
					string(message.ReceiverID),
					message.Lang,
					read,
					message.CreatedAt.Format(time.RFC822),
					message.Content,
				})
				count++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	color.Green.Printf("Found %d messages in conversation %d\n\n", count, conversation)
	table.Render()
	return nil
}
