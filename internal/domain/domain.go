// Package domain holds the entity types shared across the transaction
// engine, market engine, chat service, and API surface. Representation
// choices (decimal money, UUID ids) are made once here so every component
// agrees on the wire shape.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a user's authorization tier.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Biome is one of the seven terrain categories that double as a tradeable
// share market.
type Biome string

const (
	BiomeOcean    Biome = "ocean"
	BiomeBeach    Biome = "beach"
	BiomePlains   Biome = "plains"
	BiomeForest   Biome = "forest"
	BiomeDesert   Biome = "desert"
	BiomeMountain Biome = "mountain"
	BiomeSnow     Biome = "snow"
)

// Biomes lists all seven biome tags in a stable order, used to size and
// iterate the market-engine's per-cycle work.
var Biomes = []Biome{BiomeOcean, BiomeBeach, BiomePlains, BiomeForest, BiomeDesert, BiomeMountain, BiomeSnow}

// ValidBiome reports whether b is one of the seven recognized tags.
func ValidBiome(b Biome) bool {
	for _, known := range Biomes {
		if known == b {
			return true
		}
	}
	return false
}

// User is a registered account. Balance is authoritative only through the
// transaction engine — nothing else writes it.
type User struct {
	ID          string
	DisplayName string
	Role        Role
	Balance     decimal.Decimal
	Suspended   bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// Land is a parcel of world space. Owner is empty for unclaimed land.
type Land struct {
	ID            string
	OwnerID       string
	X, Y          int
	Biome         Biome
	FenceEnabled  bool
	FencePasscode string
}

// RoomID derives the proximity room id for this land's coordinates.
func (l Land) RoomID() string {
	return LandRoomID(l.X, l.Y)
}

// LandRoomID formats the canonical `land_<x>_<y>` room/session id.
func LandRoomID(x, y int) string {
	return "land_" + itoa(x) + "_" + itoa(y)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ListingKind is the sale mechanism for a marketplace listing.
type ListingKind string

const (
	ListingFixedPrice        ListingKind = "fixed_price"
	ListingAuction           ListingKind = "auction"
	ListingAuctionWithBuyNow ListingKind = "auction_with_buynow"
)

// ListingStatus is a listing's lifecycle state. Sold/cancelled/expired are
// terminal.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
	ListingExpired   ListingStatus = "expired"
)

// Listing is a land sale offer.
type Listing struct {
	ID           string
	SellerID     string
	LandID       string
	Kind         ListingKind
	BasePrice    decimal.Decimal
	BuyNowPrice  decimal.Decimal // zero if not applicable
	ReservePrice decimal.Decimal
	StartAt      time.Time
	EndAt        time.Time
	Status       ListingStatus
	AutoExtend   time.Duration
	BidIncrement decimal.Decimal
}

// Bid is an offer against an auction listing.
type Bid struct {
	ID        string
	ListingID string
	BidderID  string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// ChatSession is a durable messaging channel, either a land-proximity room
// or an explicit private session.
type ChatSession struct {
	ID            string
	LandID        string // empty for private sessions and for land rooms over unclaimed space
	Name          string
	Public        bool
	MessageCount  int64
	LastMessageAt time.Time
	RetentionTTL  time.Duration
	DeletedAt     *time.Time
}

// IsLandSession reports whether this session references a land row. A
// `land_<x>_<y>` session materialized over unclaimed space has no land
// reference and reports false.
func (s ChatSession) IsLandSession() bool {
	return s.LandID != ""
}

// Message is a single chat message, optionally a leave-message to an
// offline land owner.
type Message struct {
	ID             string
	SessionID      string
	SenderID       string
	Content        []byte
	Encrypted      bool
	IsLeaveMessage bool
	ReadByOwner    bool
	ReadAt         *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// TxSource distinguishes which subsystem originated a transaction.
type TxSource string

const (
	TxSourceMarketplace TxSource = "marketplace"
	TxSourceBiome       TxSource = "biome"
	TxSourceWallet      TxSource = "wallet"
)

// TxType is the specific operation a transaction records.
type TxType string

const (
	TxAuctionSale    TxType = "auction_sale"
	TxBuyNow         TxType = "buy_now"
	TxFixedPriceSale TxType = "fixed_price_sale"
	TxTransfer       TxType = "transfer"
	TxTopup          TxType = "topup"
	TxBiomeBuy       TxType = "biome_buy"
	TxBiomeSell      TxType = "biome_sell"
)

// Transaction is an append-only ledger row. BuyerID/SellerID/LandID/
// ListingID/Biome/Shares/PricePerShare are populated only when relevant to
// TxType.
type Transaction struct {
	ID            string
	Source        TxSource
	Type          TxType
	BuyerID       string
	SellerID      string
	LandID        string
	ListingID     string
	GrossAmount   decimal.Decimal
	PlatformFee   decimal.Decimal
	NetAmount     decimal.Decimal
	Biome         Biome
	Shares        *decimal.Decimal
	PricePerShare *decimal.Decimal
	CreatedAt     time.Time
}

// BiomeMarket is one of the seven per-biome share markets.
type BiomeMarket struct {
	Biome                Biome
	TotalShares          decimal.Decimal
	PricePerShare        decimal.Decimal
	MarketCashPool       decimal.Decimal
	AttentionAccumulator float64
}

// Holding is a user's position in one biome's shares.
type Holding struct {
	UserID    string
	Biome     Biome
	Shares    decimal.Decimal
	CostBasis decimal.Decimal
}

// AttentionEvent is a unit of attention tracked toward a biome by a user.
type AttentionEvent struct {
	UserID    string
	Biome     Biome
	Weight    float64
	CreatedAt time.Time
}

// AuditEntry is one append-only audit-log row.
type AuditEntry struct {
	ID          string
	ActorID     string
	Action      string
	SubjectKind string
	SubjectID   string
	Detail      string
	IP          string
	CreatedAt   time.Time
}
