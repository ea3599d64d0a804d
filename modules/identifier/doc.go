// Package identifier derives the purchase-order identifier from decoded QR
// text or from a page address. Extraction is pure and deterministic.
package identifier
