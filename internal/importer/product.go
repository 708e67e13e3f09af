package importer

import (
	"maps"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Product is a normalized product document as accepted by the commerce API.
type Product map[string]any

// metaKeys maps product fields onto the storefront's metabox keys.
var metaKeys = map[string]string{
	"sku":          "_sku",
	"price":        "_regular_price",
	"sale_price":   "_sale_price",
	"currency":     "_currency",
	"stock_status": "_stock_status",
	"images":       "_gallery",
	"attributes":   "_product_attributes",
	"variations":   "_variations",
	"source_url":   "_source_url",
}

// Meta returns the metabox fields derived from p. Absent and null fields
// are left out.
func (p Product) Meta() map[string]any {
	meta := make(map[string]any, len(metaKeys))
	for field, key := range metaKeys {
		if v, ok := p[field]; ok && v != nil {
			meta[key] = v
		}
	}
	return meta
}

// RawProduct builds a publishable document straight from an extraction,
// used when normalization is unavailable. Object payloads keep their fields;
// anything else is carried under "raw".
func RawProduct(record crawler.ContentRecord, result crawler.ExtractionResult) Product {
	product := Product{}
	var payload any
	if result.Extract != nil {
		payload = result.Extract.Product
		if result.Extract.Category != nil && !result.Extract.IsProduct {
			payload = result.Extract.Category
			product["type"] = "category"
		}
	}
	if fields, ok := payload.(map[string]any); ok {
		maps.Copy(product, fields)
	} else if payload != nil {
		product["raw"] = payload
	}
	product["source_url"] = record.ContentURL
	product["source_domain"] = result.Domain
	return product
}
