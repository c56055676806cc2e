package ipxsock

import "fmt"

// Option names recognized by GetOption/SetOption.
const (
	OptPType            = "IPX_PTYPE"
	OptFilterPType      = "IPX_FILTERPTYPE"
	OptStopFilterPType  = "IPX_STOPFILTERPTYPE"
	OptMaxSize          = "IPX_MAXSIZE"
	OptAddress          = "IPX_ADDRESS"
	OptMaxAdapterNum    = "IPX_MAX_ADAPTER_NUM"
	OptExtendedAddress  = "IPX_EXTENDED_ADDRESS"
	OptReceiveBroadcast = "IPX_RECEIVE_BROADCAST"
	OptSOBroadcast      = "SO_BROADCAST"
	OptSOReuseAddr      = "SO_REUSEADDR"
)

// AdapterInfo is the value returned for IPX_ADDRESS.
type AdapterInfo struct {
	AdapterNum int
	Net        uint32
	Node       [6]byte
	WAN        bool
	Status     bool
	MaxPacket  int
	LinkSpeed  int
}

// GetOption implements getsockopt for the recognized IPX/SO option names.
// Unrecognized names are the caller's responsibility to forward to the
// underlying OS socket; GetOption returns ErrOptNotSupport for them.
func (r *Registry) GetOption(h Handle, name string) (any, error) {
	s, err := r.get(h)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case OptPType:
		return int(s.sentPType), nil
	case OptFilterPType:
		return int(s.filterPType), nil
	case OptMaxSize:
		return MaxPayload, nil
	case OptAddress:
		var node [6]byte
		s.local.Node.PutBytes(node[:])
		return AdapterInfo{Net: uint32(s.local.Net), Node: node}, nil
	case OptMaxAdapterNum:
		if r.ifaces == nil {
			return 0, nil
		}
		count, err := r.ifaces.Count()
		if err != nil {
			return nil, fmt.Errorf("ipxsock: %s: %w", name, err)
		}
		return count, nil
	case OptExtendedAddress:
		return s.hasFlag(FlagExtAddr), nil
	case OptSOBroadcast:
		return s.hasFlag(FlagBroadcast), nil
	case OptSOReuseAddr:
		return s.hasFlag(FlagReuse), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrOptNotSupport, name)
	}
}

// SetOption implements setsockopt. SO_LINGER on a datagram socket is
// accepted and silently discarded, matching the legacy behavior applications
// rely on.
func (r *Registry) SetOption(h Handle, name string, value any) error {
	s, err := r.get(h)
	if err != nil {
		return err
	}

	switch name {
	case OptPType:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s wants int", ErrInvalid, name)
		}
		s.mu.Lock()
		s.sentPType = uint8(v)
		s.mu.Unlock()
		return nil

	case OptFilterPType:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s wants int", ErrInvalid, name)
		}
		s.mu.Lock()
		s.filterPType = uint8(v)
		s.flags |= FlagFilter
		s.mu.Unlock()
		return nil

	case OptStopFilterPType:
		s.mu.Lock()
		s.flags &^= FlagFilter
		s.mu.Unlock()
		return nil

	case OptExtendedAddress:
		return r.setBoolFlag(s, value, FlagExtAddr)

	case OptReceiveBroadcast:
		return r.setBoolFlag(s, value, FlagRecvBcast)

	case OptSOBroadcast:
		return r.setBoolFlag(s, value, FlagBroadcast)

	case OptSOReuseAddr:
		return r.setBoolFlag(s, value, FlagReuse)

	case "SO_LINGER":
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrOptNotSupport, name)
	}
}

func (r *Registry) setBoolFlag(s *socket, value any, f Flag) error {
	v, ok := value.(bool)
	if !ok {
		return fmt.Errorf("%w: expected bool", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.flags |= f
	} else {
		s.flags &^= f
	}
	return nil
}
