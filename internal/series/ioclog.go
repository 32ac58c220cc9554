package series

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/dominikwerder/daqingest/internal/domain"
)

// FindIocAddr looks up a recorded IOC address for (backend, channel) in
// the catalog's append-only ioc_by_channel_log table (spec.md §6), the
// table startup discovery appends results to via RecordIocAddr. The query
// takes the first matching row the catalog returns; rows are not ordered,
// so with several rows for one channel it is not necessarily the most
// recent. Grounded on
// metrics.rs's channel_add_inner, which resolves an address the same way
// before calling add_channel_to_addr.
func (r *Registry) FindIocAddr(ctx context.Context, backend, channel string) (domain.Address, bool, error) {
	query, args, err := r.builder.
		Select("addr").
		From("ioc_by_channel_log").
		Where(sq.Eq{"facility": backend, "channel": channel}).
		Where(sq.NotEq{"addr": nil}).
		Limit(1).
		ToSql()
	if err != nil {
		return domain.Address{}, false, err
	}

	var addrText string
	err = r.db.GetContext(ctx, &addrText, r.db.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return domain.Address{}, false, nil
	}
	if err != nil {
		return domain.Address{}, false, err
	}
	addr, ok := domain.ParseAddress(addrText)
	return addr, ok, nil
}

// RecordIocAddr appends one discovery result to ioc_by_channel_log, the
// insert ca_search performs after a FindIoc result clears the blacklist
// check ("insert into ioc_by_channel_log (facility, channel, responseaddr,
// addr) values ..."). Both addresses are stored as given; an empty string
// is stored as an empty string, not as NULL. The startup discovery caller
// only records results that carry an IPv4 address.
func (r *Registry) RecordIocAddr(ctx context.Context, backend, channel, responseAddr, addr string) error {
	query, args, err := r.builder.
		Insert("ioc_by_channel_log").
		Columns("facility", "channel", "responseaddr", "addr").
		Values(backend, channel, responseAddr, addr).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}
