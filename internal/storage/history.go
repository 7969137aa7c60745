package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// LoadHistory reads the bootstrap history CSV: header row, then one row per
// patient with the MRN in column 0 and (date, value) pairs interleaved from
// column 2 onward. Empty value cells are skipped. Files ending in .zst are
// decompressed on the fly; hospital exports routinely ship compressed.
func LoadHistory(path string) (map[string][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening history %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("storage: reading compressed history %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	history := make(map[string][]float64)
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: reading history %s: %w", path, err)
		}
		line++
		if line == 1 {
			// Header row.
			continue
		}
		if len(row) == 0 {
			continue
		}
		mrn := row[0]
		var results []float64
		for col := 2; col < len(row); col += 2 {
			if row[col] == "" {
				continue
			}
			v, err := strconv.ParseFloat(row[col], 64)
			if err != nil {
				return nil, fmt.Errorf("storage: history %s line %d col %d: bad creatinine value %q: %w",
					path, line, col, row[col], err)
			}
			results = append(results, v)
		}
		history[mrn] = results
	}
	return history, nil
}
