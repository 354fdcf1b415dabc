// Package warehouse holds the static tables that describe the known warehouses: the admintotal filter
// codes used to export a warehouse's inventory and the drive folder each export is uploaded to.
package warehouse

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

var ErrInvalidWarehouse = errors.New("warehouse does not match any known warehouse")

// InvalidError is returned by Catalog.Lookup for names that are not in the table.
type InvalidError struct {
	Name string
	// Suggestion is the most similar known name, it is empty if nothing is similar enough.
	Suggestion string
}

func (e *InvalidError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: '%s' (did you mean '%s'?)", ErrInvalidWarehouse, e.Name, e.Suggestion)
	}
	return fmt.Sprintf("%s: '%s'", ErrInvalidWarehouse, e.Name)
}

func (e *InvalidError) Unwrap() error {
	return ErrInvalidWarehouse
}

// Warehouse is the filter configuration of a single warehouse.
type Warehouse struct {
	// Name is the normalized name of the warehouse.
	Name string `json:"name"`
	// FilterCode is the value of the warehouse <select> on the export form.
	FilterCode string `json:"filter_code"`
	// ShelfCode is typed into both the "from" and "to" shelf range inputs.
	ShelfCode string `json:"shelf_code"`
}

// Filename is the canonical name of the exported spreadsheet.
func (w Warehouse) Filename() string {
	return Filename(w.Name)
}

// Filename returns the canonical spreadsheet filename for a normalized warehouse name.
func Filename(name string) string {
	return name + ".xlsx"
}

// Catalog is the pair of lookup tables, it is immutable once constructed.
type Catalog struct {
	warehouses map[string]Warehouse
	folders    map[string]string
}

// NewCatalog creates a catalog out of a list of warehouses and a canonical filename -> folder id table.
func NewCatalog(warehouses []Warehouse, folders map[string]string) Catalog {
	c := Catalog{
		warehouses: make(map[string]Warehouse, len(warehouses)),
		folders:    make(map[string]string, len(folders)),
	}
	for _, w := range warehouses {
		w.Name = Normalize(w.Name)
		c.warehouses[w.Name] = w
	}
	for filename, folder := range folders {
		c.folders[filename] = folder
	}
	return c
}

// Normalize removes formatting inconsistencies from user input.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

const suggestionThreshold = 0.8

// Lookup finds the warehouse for a (possibly unnormalized) name.
func (c Catalog) Lookup(name string) (Warehouse, error) {
	normalized := Normalize(name)
	w, ok := c.warehouses[normalized]
	if ok {
		return w, nil
	}

	invalid := &InvalidError{Name: normalized}
	best := 0.0
	for _, known := range c.Names() {
		similarity := matchr.JaroWinkler(normalized, known, false)
		if similarity > best && similarity >= suggestionThreshold {
			best = similarity
			invalid.Suggestion = known
		}
	}
	return Warehouse{}, invalid
}

// Folder returns the destination folder id for a canonical filename.
func (c Catalog) Folder(filename string) (string, bool) {
	folder, ok := c.folders[filename]
	return folder, ok
}

// Names returns the sorted names of all known warehouses.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.warehouses))
	for name := range c.warehouses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Warehouses returns all known warehouses sorted by name.
func (c Catalog) Warehouses() []Warehouse {
	names := c.Names()
	out := make([]Warehouse, len(names))
	for i, name := range names {
		out[i] = c.warehouses[name]
	}
	return out
}

// DefaultCatalog returns the production tables.
func DefaultCatalog() Catalog {
	return NewCatalog(DefaultWarehouses(), DefaultFolders())
}

func DefaultWarehouses() []Warehouse {
	return []Warehouse{
		{Name: "MATRIZ", FilterCode: "9", ShelfCode: "DIARIOMTZ"},
		{Name: "PERINORTE", FilterCode: "19171", ShelfCode: "DIARIOPN"},
		{Name: "SANMARCOS", FilterCode: "188746", ShelfCode: "DIARIOSM"},
		{Name: "SAHUARO", FilterCode: "203738", ShelfCode: "DIARIOSH"},
		{Name: "MINITAS", FilterCode: "203740", ShelfCode: "DIARIOMN"},
	}
}

// DefaultFolders maps canonical filenames to google drive folder ids.
func DefaultFolders() map[string]string {
	return map[string]string{
		"MATRIZ.xlsx":    "1LEQOlRDyZnZ7IbhxMS5CP44IOAOVBbj7",
		"MINITAS.xlsx":   "1mjqmTiYdYSk55GpWUq0LWxmHb2Tt5uRk",
		"PERINORTE.xlsx": "1RT5qL8XG6zaaJgrI6M2jm3KRg7gJr-hp",
		"SAHUARO.xlsx":   "1mQJb1PNZWAs8ptSPWDh2JO2aGbCRDNlK",
		"SANMARCOS.xlsx": "1VgOTpPbED6du75QVCHVh17VolFMOsS0o",
	}
}
