// Package catalog содержит адаптеры каталога товаров и таблицы налогов.
package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/money"
)

type fileProduct struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Price  string `yaml:"price"`
	TaxSet string `yaml:"tax_set"`
}

type fileTax struct {
	Name          string `yaml:"name"`
	Percent       string `yaml:"percent"`
	PriceIncluded bool   `yaml:"price_included"`
}

type file struct {
	Products   []fileProduct                `yaml:"products"`
	PriceLists map[string]map[string]string `yaml:"price_lists"`
	TaxSets    map[string][]fileTax         `yaml:"tax_sets"`
}

type tax struct {
	rate          decimal.Decimal
	priceIncluded bool
}

// Static — каталог и таблица налогов, загруженные из YAML-файла.
type Static struct {
	products   map[string]model.Product
	priceLists map[string]map[string]decimal.Decimal
	taxSets    map[string][]tax
}

// LoadFile читает каталог из файла.
func LoadFile(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// Load читает каталог из YAML.
func Load(r io.Reader) (*Static, error) {
	var raw file
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	s := &Static{
		products:   make(map[string]model.Product, len(raw.Products)),
		priceLists: make(map[string]map[string]decimal.Decimal, len(raw.PriceLists)),
		taxSets:    make(map[string][]tax, len(raw.TaxSets)),
	}

	for id, taxes := range raw.TaxSets {
		for _, t := range taxes {
			pct, err := decimal.NewFromString(t.Percent)
			if err != nil {
				return nil, fmt.Errorf("tax set %s: tax %s: %w", id, t.Name, err)
			}
			s.taxSets[id] = append(s.taxSets[id], tax{
				rate:          pct.Div(decimal.NewFromInt(100)),
				priceIncluded: t.PriceIncluded,
			})
		}
	}

	for _, p := range raw.Products {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("product %s: price: %w", p.ID, err)
		}
		if p.TaxSet != "" {
			if _, ok := s.taxSets[p.TaxSet]; !ok {
				return nil, fmt.Errorf("product %s: unknown tax set %s", p.ID, p.TaxSet)
			}
		}
		s.products[p.ID] = model.Product{ID: p.ID, Name: p.Name, UnitPrice: price, TaxSetID: p.TaxSet}
	}

	for list, prices := range raw.PriceLists {
		s.priceLists[list] = make(map[string]decimal.Decimal, len(prices))
		for productID, v := range prices {
			price, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("price list %s: product %s: %w", list, productID, err)
			}
			s.priceLists[list][productID] = price
		}
	}

	return s, nil
}

// Lookup возвращает товар с ценой из прайс-листа, если она там задана.
func (s *Static) Lookup(_ context.Context, priceListID, productID string) (model.Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return model.Product{}, model.NotFoundf("lookup product", "product %s not found", productID)
	}
	if price, ok := s.priceLists[priceListID][productID]; ok {
		p.UnitPrice = price
	}
	return p, nil
}

// ComputeAll считает суммы строки без налогов и с налогами. Включённые в цену
// налоги выделяются из базы, остальные начисляются сверху.
func (s *Static) ComputeAll(_ context.Context, price decimal.Decimal, taxSetID string, quantity decimal.Decimal) (money.TaxResult, error) {
	taxes, ok := s.taxSets[taxSetID]
	if !ok {
		return money.TaxResult{}, model.Validationf("compute taxes", "unknown tax set %s", taxSetID)
	}

	base := price.Mul(quantity)
	one := decimal.NewFromInt(1)

	included, all := decimal.Zero, decimal.Zero
	for _, t := range taxes {
		all = all.Add(t.rate)
		if t.priceIncluded {
			included = included.Add(t.rate)
		}
	}

	excluded := base
	if !included.IsZero() {
		excluded = base.DivRound(one.Add(included), 16)
	}

	return money.TaxResult{
		TotalExcluded: excluded,
		TotalIncluded: excluded.Mul(one.Add(all)),
	}, nil
}
