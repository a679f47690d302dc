package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"

	"savery/internal"
)

func (d *DB) UpsertStores(ctx context.Context, stores []internal.Store) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "storage: begin upsert stores")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO stores (id, name, address, latitude, longitude, lastSeenAt)
VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  address=excluded.address,
  latitude=excluded.latitude,
  longitude=excluded.longitude,
  lastSeenAt=CURRENT_TIMESTAMP
`)
	if err != nil {
		return eris.Wrap(err, "storage: prepare store upsert")
	}
	defer stmt.Close()

	for _, s := range stores {
		if _, err := stmt.ExecContext(ctx, s.ID, s.Name, s.Address, s.Latitude, s.Longitude); err != nil {
			return eris.Wrapf(err, "storage: upsert store %s", s.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "storage: commit stores")
}

func (d *DB) ListStores(ctx context.Context, ids ...string) ([]internal.Store, error) {
	query := `SELECT id, name, address, latitude, longitude FROM stores`
	args := []any{}
	if len(ids) > 0 {
		query += ` WHERE id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY name, id`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "storage: list stores")
	}
	defer rows.Close()

	var out []internal.Store
	for rows.Next() {
		var (
			s        internal.Store
			address  sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.Name, &address, &lat, &lng); err != nil {
			return nil, eris.Wrap(err, "storage: scan store")
		}
		s.Address = nullString(address)
		s.Latitude = nullFloat(lat)
		s.Longitude = nullFloat(lng)
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "storage: iterate stores")
}

func (d *DB) UpsertStoreProducts(ctx context.Context, products []internal.StoreProduct) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "storage: begin upsert products")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO store_products (
  id, store_id, name, brand, size_text, package_quantity, package_unit,
  normalized_quantity, normalized_unit, raw_json, lastSeenAt
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  store_id=excluded.store_id,
  name=excluded.name,
  brand=excluded.brand,
  size_text=excluded.size_text,
  package_quantity=excluded.package_quantity,
  package_unit=excluded.package_unit,
  normalized_quantity=excluded.normalized_quantity,
  normalized_unit=excluded.normalized_unit,
  raw_json=excluded.raw_json,
  lastSeenAt=CURRENT_TIMESTAMP
`)
	if err != nil {
		return eris.Wrap(err, "storage: prepare product upsert")
	}
	defer stmt.Close()

	for _, p := range products {
		raw := p.RawJSON
		if raw == "" {
			raw = "{}"
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.StoreID, p.Name, p.Brand, p.SizeText, p.PackageQuantity, p.PackageUnit,
			p.NormalizedQuantity, p.NormalizedUnit, raw,
		); err != nil {
			return eris.Wrapf(err, "storage: upsert product %s", p.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "storage: commit products")
}

func (d *DB) ListStoreProducts(ctx context.Context, storeIDs ...string) ([]internal.StoreProduct, error) {
	query := `
SELECT id, store_id, name, brand, size_text, package_quantity, package_unit,
       normalized_quantity, normalized_unit, raw_json
FROM store_products`
	args := []any{}
	if len(storeIDs) > 0 {
		query += ` WHERE store_id IN (` + placeholders(len(storeIDs)) + `)`
		for _, id := range storeIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY store_id, id`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "storage: list products")
	}
	defer rows.Close()

	var out []internal.StoreProduct
	for rows.Next() {
		var (
			p                 internal.StoreProduct
			brand, sizeText   sql.NullString
			pkgUnit, normUnit sql.NullString
			pkgQty, normQty   sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Name, &brand, &sizeText, &pkgQty, &pkgUnit, &normQty, &normUnit, &p.RawJSON); err != nil {
			return nil, eris.Wrap(err, "storage: scan product")
		}
		p.Brand = nullString(brand)
		p.SizeText = nullString(sizeText)
		p.PackageUnit = nullString(pkgUnit)
		p.NormalizedUnit = nullString(normUnit)
		p.PackageQuantity = nullFloat(pkgQty)
		p.NormalizedQuantity = nullFloat(normQty)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "storage: iterate products")
}

func (d *DB) InsertPrices(ctx context.Context, prices []internal.PriceEntry) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "storage: begin insert prices")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO price_entries (store_product_id, price, currency, source, fetched_at)
VALUES (?, ?, ?, ?, ?)
`)
	if err != nil {
		return eris.Wrap(err, "storage: prepare price insert")
	}
	defer stmt.Close()

	for _, p := range prices {
		if _, err := stmt.ExecContext(ctx, p.StoreProductID, p.Price, p.Currency, p.Source, formatTime(p.FetchedAt)); err != nil {
			return eris.Wrapf(err, "storage: insert price for %s", p.StoreProductID)
		}
	}
	return eris.Wrap(tx.Commit(), "storage: commit prices")
}

func (d *DB) LatestPrices(ctx context.Context, productIDs ...string) (map[string]internal.PriceEntry, error) {
	out := map[string]internal.PriceEntry{}
	if len(productIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(productIDs))
	for _, id := range productIDs {
		args = append(args, id)
	}
	rows, err := d.conn.QueryContext(ctx, `
SELECT store_product_id, price, currency, source, fetched_at
FROM price_entries
WHERE store_product_id IN (`+placeholders(len(productIDs))+`)
ORDER BY store_product_id, fetched_at DESC, id DESC
`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "storage: latest prices")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p         internal.PriceEntry
			fetchedAt string
		)
		if err := rows.Scan(&p.StoreProductID, &p.Price, &p.Currency, &p.Source, &fetchedAt); err != nil {
			return nil, eris.Wrap(err, "storage: scan price")
		}
		if _, seen := out[p.StoreProductID]; seen {
			continue
		}
		p.FetchedAt = parseTime(fetchedAt)
		out[p.StoreProductID] = p
	}
	return out, eris.Wrap(rows.Err(), "storage: iterate prices")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
