package stream

// Kind names one captured event category. The set is fixed; each kind has its
// own sink schema.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindEnded      Kind = "ended"
	KindComment    Kind = "comment"
	KindGift       Kind = "gift"
	KindFollow     Kind = "follow"
	KindShare      Kind = "share"
	KindJoin       Kind = "join"
	KindLike       Kind = "like"
)

// CapturedKinds are the kinds routed to per-session sinks, in sink order.
var CapturedKinds = []Kind{KindComment, KindGift, KindFollow, KindShare, KindJoin, KindLike}

// Event is a typed occurrence on a connected session.
type Event interface {
	Kind() Kind
}

// User is the acting viewer on an event, as much of it as the platform exposes.
type User struct {
	ID            string
	Nickname      string
	FollowerCount int
}

// Connect signals the session established a connection to the broadcast room.
type Connect struct {
	RoomID string
}

// Disconnect signals an unexpected connection drop. It carries no verdict on
// whether the broadcast itself ended; see Ended for that.
type Disconnect struct{}

// Ended is the authoritative end-of-broadcast signal from the platform.
type Ended struct{}

// Comment is a chat message.
type Comment struct {
	User User
	Text string
}

// Gift is a viewer gift, possibly part of a streak.
type Gift struct {
	User        User
	Name        string
	RepeatCount int
	Streakable  bool
	Streaking   bool
}

// Follow is a viewer following the broadcaster mid-stream.
type Follow struct {
	User        User
	FollowCount int
	ShareType   int
	Action      int
}

// Share is a viewer sharing the broadcast.
type Share struct {
	User        User
	ShareType   int
	Target      string
	Count       int
	UsersJoined int
	Action      int
}

// Join is a viewer entering the room.
type Join struct {
	User        User
	Count       int
	TopUser     bool
	EnterType   int
	Action      int
	ShareType   string
	EnterSource string
}

// Like is a reaction burst: Count reactions in this event, Total for the session.
type Like struct {
	User  User
	Count int
	Total int
}

func (Connect) Kind() Kind    { return KindConnect }
func (Disconnect) Kind() Kind { return KindDisconnect }
func (Ended) Kind() Kind      { return KindEnded }
func (Comment) Kind() Kind    { return KindComment }
func (Gift) Kind() Kind       { return KindGift }
func (Follow) Kind() Kind     { return KindFollow }
func (Share) Kind() Kind      { return KindShare }
func (Join) Kind() Kind       { return KindJoin }
func (Like) Kind() Kind       { return KindLike }
