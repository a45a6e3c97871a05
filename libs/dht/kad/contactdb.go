package kad

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	dbm "github.com/lianxiangcloud/linkdht/libs/db"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

// Keys in the contact database.
const (
	dbContactPrefix = "c:" // full key is "c:<machine id>"
	dbSelfKey       = "self"
)

var dbCleanupCycle = time.Hour

// ContactDB persists the local identity and the contacts learned by the
// routing table, so that a restarted node does not start cold.
type ContactDB struct {
	logger log.Logger
	db     dbm.DB
	expiry time.Duration

	runner    sync.Once
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewContactDB wraps db. Contacts unseen for expiry are dropped by the
// expirer; zero disables expiry.
func NewContactDB(db dbm.DB, expiry time.Duration, logger log.Logger) *ContactDB {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ContactDB{db: db, expiry: expiry, logger: logger, quit: make(chan struct{})}
}

func contactKey(machineID string) []byte {
	return append([]byte(dbContactPrefix), machineID...)
}

func decodeContact(data []byte) (*contact.Contact, error) {
	c := new(contact.Contact)
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// LoadSelf returns the stored local contact, nil when there is none.
func (cdb *ContactDB) LoadSelf() *contact.Contact {
	blob := cdb.db.Get([]byte(dbSelfKey))
	if len(blob) == 0 {
		return nil
	}
	c := new(contact.Contact)
	if err := json.Unmarshal(blob, c); err != nil || c.MachineID == "" {
		cdb.logger.Error("Discarding corrupt self record", "err", err)
		return nil
	}
	return c
}

func (cdb *ContactDB) StoreSelf(c *contact.Contact) error {
	blob, err := json.Marshal(c)
	if err != nil {
		return err
	}
	cdb.db.SetSync([]byte(dbSelfKey), blob)
	return nil
}

func (cdb *ContactDB) UpdateContact(c *contact.Contact) {
	blob, err := json.Marshal(c)
	if err != nil {
		cdb.logger.Error("UpdateContact", "encode err", err)
		return
	}
	cdb.db.Set(contactKey(c.MachineID), blob)
	cdb.ensureExpirer()
}

// UpdateContacts writes contacts in one batch.
func (cdb *ContactDB) UpdateContacts(contacts []*contact.Contact) error {
	batch := cdb.db.NewBatch()
	for _, c := range contacts {
		blob, err := json.Marshal(c)
		if err != nil {
			return err
		}
		batch.Set(contactKey(c.MachineID), blob)
	}
	if err := batch.Write(); err != nil {
		return err
	}
	cdb.ensureExpirer()
	return nil
}

func (cdb *ContactDB) DeleteContact(machineID string) {
	cdb.db.Delete(contactKey(machineID))
}

// QuerySeeds returns up to n stored contacts that are not expired, most
// recently seen first.
func (cdb *ContactDB) QuerySeeds(n int) []*contact.Contact {
	now := timeNow()
	it := cdb.db.NewIteratorWithPrefix([]byte(dbContactPrefix))
	defer it.Close()

	var seeds []*contact.Contact
	for ; it.Valid(); it.Next() {
		c, err := decodeContact(it.Value())
		if err != nil {
			cdb.logger.Debug("Skipping bad contact record", "key", string(it.Key()), "err", err)
			continue
		}
		if cdb.expired(c, now) {
			continue
		}
		seeds = append(seeds, c)
	}
	sort.SliceStable(seeds, func(i, j int) bool {
		return seeds[i].LastSeen.After(seeds[j].LastSeen)
	})
	if n > 0 && len(seeds) > n {
		seeds = seeds[:n]
	}
	return seeds
}

func (cdb *ContactDB) expired(c *contact.Contact, now time.Time) bool {
	return cdb.expiry > 0 && now.Sub(c.LastSeen) > cdb.expiry
}

func (cdb *ContactDB) ensureExpirer() {
	if cdb.expiry <= 0 {
		return
	}
	cdb.runner.Do(func() {
		cdb.wg.Add(1)
		go cdb.expirer()
	})
}

// expirer drops stale contacts until Close.
func (cdb *ContactDB) expirer() {
	defer cdb.wg.Done()
	tick := time.NewTicker(dbCleanupCycle)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			cdb.expireContacts()
		case <-cdb.quit:
			return
		}
	}
}

// expireContacts deletes every contact not seen within the expiry, along
// with records that no longer decode.
func (cdb *ContactDB) expireContacts() int {
	now := timeNow()
	it := cdb.db.NewIteratorWithPrefix([]byte(dbContactPrefix))
	var stale [][]byte
	for ; it.Valid(); it.Next() {
		c, err := decodeContact(it.Value())
		if err != nil || cdb.expired(c, now) {
			stale = append(stale, it.Key())
		}
	}
	it.Close()

	for _, key := range stale {
		cdb.db.Delete(key)
	}
	if len(stale) > 0 {
		cdb.logger.Info("Expired stored contacts", "count", len(stale))
	}
	return len(stale)
}

// Close stops the expirer. The underlying db stays open.
func (cdb *ContactDB) Close() {
	cdb.closeOnce.Do(func() {
		close(cdb.quit)
		cdb.wg.Wait()
	})
}
