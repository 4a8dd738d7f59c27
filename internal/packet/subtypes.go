package packet

// TinySubtype selects the meaning of a TinyPacket.
type TinySubtype uint8

const (
	TinyInvalid                  TinySubtype = iota
	TinyDisconnect                           // data: DisconnectReason
	TinyJoinResponse                         // data: FormatVersion
	TinyAuthenticateResponse                 // data: driver index
	TinyRegistrationStartRequest             //
	TinyRegistrationResponse                 // data: driver index
	TinyPingSyncReady                        //
	TinyDriverLeft                           // data: driver index
	TinyDriverLeavesRacecar                  // data: driver index
	TinyEnterRacecarRequest                  // data: car mesh id
	TinyLeaveRacecarRequest                  //
	TinyKickRequest                          // data: driver index
	TinyBanRequest                           // data: driver index
)

func (s TinySubtype) String() string {
	switch s {
	case TinyDisconnect:
		return "Disconnect"
	case TinyJoinResponse:
		return "JoinResponse"
	case TinyAuthenticateResponse:
		return "AuthenticateResponse"
	case TinyRegistrationStartRequest:
		return "RegistrationStartRequest"
	case TinyRegistrationResponse:
		return "RegistrationResponse"
	case TinyPingSyncReady:
		return "PingSyncReady"
	case TinyDriverLeft:
		return "DriverLeft"
	case TinyDriverLeavesRacecar:
		return "DriverLeavesRacecar"
	case TinyEnterRacecarRequest:
		return "EnterRacecarRequest"
	case TinyLeaveRacecarRequest:
		return "LeaveRacecarRequest"
	case TinyKickRequest:
		return "KickRequest"
	case TinyBanRequest:
		return "BanRequest"
	default:
		return "Unknown"
	}
}

// SmallSubtype selects the meaning of a SmallPacket.
type SmallSubtype uint8

const (
	SmallInvalid                   SmallSubtype = iota
	SmallRegistrationStartResponse              // payload: registration code
	SmallRegistrationRequest                    // data: driver index, payload: registration code
	SmallPhaseChanged                           // data: phase code, payload: phase timer ms
)

func (s SmallSubtype) String() string {
	switch s {
	case SmallRegistrationStartResponse:
		return "RegistrationStartResponse"
	case SmallRegistrationRequest:
		return "RegistrationRequest"
	case SmallPhaseChanged:
		return "PhaseChanged"
	default:
		return "Unknown"
	}
}

// LargeSubtype names the logical stream carried by LargePayload fragments.
type LargeSubtype uint8

const (
	LargeInvalid LargeSubtype = iota
	// LargeEmbeddedPacket buffers start with an ordinary packet header and are
	// redispatched through normal packet handling once complete.
	LargeEmbeddedPacket
	// LargeTrackMetadata buffers hold a JSON racetrack description.
	LargeTrackMetadata
)

func (s LargeSubtype) String() string {
	switch s {
	case LargeEmbeddedPacket:
		return "EmbeddedPacket"
	case LargeTrackMetadata:
		return "TrackMetadata"
	default:
		return "Unknown"
	}
}

// DisconnectReason travels in the data byte of a Tiny Disconnect packet.
type DisconnectReason uint8

const (
	Graceful DisconnectReason = iota
	VersionMismatch
	ConnectionMismatch
	ServerFull
	Timeout
	PingTimeout
	UnregisteredTimeout
	Kicked
	Banned
	ServerShutdown
	UnknownPacket
	InvalidInformation
)

func (r DisconnectReason) String() string {
	switch r {
	case Graceful:
		return "Graceful"
	case VersionMismatch:
		return "VersionMismatch"
	case ConnectionMismatch:
		return "ConnectionMismatch"
	case ServerFull:
		return "ServerFull"
	case Timeout:
		return "Timeout"
	case PingTimeout:
		return "PingTimeout"
	case UnregisteredTimeout:
		return "UnregisteredTimeout"
	case Kicked:
		return "Kicked"
	case Banned:
		return "Banned"
	case ServerShutdown:
		return "ServerShutdown"
	case UnknownPacket:
		return "UnknownPacket"
	case InvalidInformation:
		return "InvalidInformation"
	default:
		return "Unknown"
	}
}

// Describe returns a message suitable for showing to the player.
func Describe(r DisconnectReason) string {
	switch r {
	case Graceful:
		return "You have left the server."
	case VersionMismatch:
		return "Your version does not match the server. Please update."
	case ConnectionMismatch:
		return "This license is already connected to the server."
	case ServerFull:
		return "The server is full."
	case Timeout:
		return "The connection to the server timed out."
	case PingTimeout:
		return "The server stopped answering pings."
	case UnregisteredTimeout:
		return "The fast connection could not be registered in time."
	case Kicked:
		return "You were kicked by a moderator."
	case Banned:
		return "You are banned from this server."
	case ServerShutdown:
		return "The server is shutting down."
	case UnknownPacket:
		return "The server received data it did not understand."
	case InvalidInformation:
		return "The server could not verify your information."
	default:
		return "Disconnected for an unknown reason."
	}
}
