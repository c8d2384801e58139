package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"p2potc/native/otc"
)

// Result names the files written by Archive.
type Result struct {
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
	Rows        int    `json:"rows"`
}

var header = []string{
	"deal_id", "post_id", "dealer_buy", "asset", "amount", "currency", "price", "dealer", "customer",
	"dealer_deposit", "customer_deposit", "state", "resolver", "expiry",
}

// Archive writes the archived deals to dir as both CSV and parquet files
// named after at. Both files are staged under temporary names and only
// renamed into place once each has been written; on error neither remains.
func Archive(dir string, deals []*otc.Deal, at time.Time) (res *Result, err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("export: create dir: %w", err)
	}
	name := "archive-" + at.UTC().Format("20060102T150405Z")
	csvPath := filepath.Join(dir, name+".csv")
	parquetPath := filepath.Join(dir, name+".parquet")
	csvTmp, parquetTmp := csvPath+".tmp", parquetPath+".tmp"

	var written []string
	defer func() {
		if err != nil {
			for _, path := range written {
				_ = os.Remove(path)
			}
		}
	}()

	if err := writeCSVFile(csvTmp, deals); err != nil {
		return nil, err
	}
	written = append(written, csvTmp)
	if err := WriteParquet(parquetTmp, deals); err != nil {
		return nil, err
	}
	written = append(written, parquetTmp)
	for _, mv := range [][2]string{{csvTmp, csvPath}, {parquetTmp, parquetPath}} {
		if err := os.Rename(mv[0], mv[1]); err != nil {
			return nil, fmt.Errorf("export: publish %s: %w", filepath.Base(mv[1]), err)
		}
		written = append(written, mv[1])
	}
	return &Result{CSVPath: csvPath, ParquetPath: parquetPath, Rows: len(deals)}, nil
}

func writeCSVFile(path string, deals []*otc.Deal) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	if err := WriteCSV(file, deals); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("export: close csv: %w", err)
	}
	return nil
}

// WriteCSV writes one row per deal with a header line.
func WriteCSV(w io.Writer, deals []*otc.Deal) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, d := range deals {
		row := toRow(d)
		record := []string{
			strconv.FormatInt(row.DealID, 10),
			strconv.FormatInt(row.PostID, 10),
			strconv.FormatBool(row.DealerBuy),
			row.Asset,
			row.Amount,
			row.Currency,
			row.Price,
			row.Dealer,
			row.Customer,
			strconv.FormatBool(row.DealerDeposit),
			strconv.FormatBool(row.CustomerDeposit),
			row.State,
			row.Resolver,
			strconv.FormatInt(row.Expiry, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	DealID          int64  `parquet:"name=deal_id, type=INT64"`
	PostID          int64  `parquet:"name=post_id, type=INT64"`
	DealerBuy       bool   `parquet:"name=dealer_buy, type=BOOLEAN"`
	Asset           string `parquet:"name=asset, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount          string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Currency        string `parquet:"name=currency, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Price           string `parquet:"name=price, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Dealer          string `parquet:"name=dealer, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Customer        string `parquet:"name=customer, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DealerDeposit   bool   `parquet:"name=dealer_deposit, type=BOOLEAN"`
	CustomerDeposit bool   `parquet:"name=customer_deposit, type=BOOLEAN"`
	State           string `parquet:"name=state, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Resolver        string `parquet:"name=resolver, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Expiry          int64  `parquet:"name=expiry, type=INT64"`
}

func toRow(d *otc.Deal) *parquetRow {
	row := &parquetRow{
		DealID:          int64(d.ID),
		PostID:          int64(d.PostID),
		DealerBuy:       d.DealerBuy,
		Asset:           d.Asset,
		Amount:          "0",
		Currency:        d.Currency,
		Price:           d.Price.String(),
		Dealer:          d.Dealer.String(),
		Customer:        d.Customer.String(),
		DealerDeposit:   d.DealerDeposit,
		CustomerDeposit: d.CustomerDeposit,
		State:           d.State.String(),
		Expiry:          d.Expiry,
	}
	if d.Amount != nil {
		row.Amount = d.Amount.String()
	}
	if d.Resolver != nil {
		row.Resolver = d.Resolver.String()
	}
	return row
}

// WriteParquet writes the deals to a snappy compressed parquet file. A
// partially written file is removed on error.
func WriteParquet(path string, deals []*otc.Deal) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(path)
		}
	}()
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, d := range deals {
		if err := pw.Write(toRow(d)); err != nil {
			pw.WriteStop()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
