package workflow

// Port names. Inputs are "input" (or "config" for config attachments);
// outputs are "output". Link and catch nodes use the same names but accept
// any payload kind.
const (
	PortInput  = "input"
	PortOutput = "output"
	PortConfig = "config"
)

// portRef identifies one port on one node type.
type portRef struct {
	nodeType string
	handle   string
}

// outputKinds maps (node type, source handle) to the payload kind the port
// emits. Link/catch ports are kind-transparent and handled separately.
var outputKinds = map[portRef]EdgeKind{
	{TypeCamera, PortOutput}:           KindVideo,
	{TypeVideoInput, PortOutput}:       KindVideo,
	{TypeYoutube, PortOutput}:          KindVideo,
	{TypeModel, PortOutput}:            KindDetections,
	{TypeZone, PortOutput}:             KindDetections,
	{TypeDetectionFilter, PortOutput}:  KindDetections,
	{TypeParkingViolation, PortOutput}: KindDetections,
	{TypeDayNightDetector, PortOutput}: KindDetections,
	{TypeAudioExtractor, PortOutput}:   KindAudio,
	{TypeAudioAI, PortOutput}:          KindAudioData,
	{TypeAudioVU, PortOutput}:          KindAudioData,
	{TypeConfig, PortOutput}:           KindConfig,
}

// inputPorts maps a payload kind to the ports allowed to receive it. This is
// the static compatibility registry; any pairing outside it is invalid.
var inputPorts = map[EdgeKind][]portRef{
	KindVideo: {
		{TypeModel, PortInput},
		{TypeAudioExtractor, PortInput},
		{TypeDayNightDetector, PortInput},
		{TypeParkingViolation, PortInput},
		{TypeDataPreview, PortInput},
	},
	KindDetections: {
		{TypeZone, PortInput},
		{TypeDetectionFilter, PortInput},
		{TypeAction, PortInput},
		{TypeDebug, PortInput},
		{TypeDataPreview, PortInput},
	},
	KindAudio: {
		{TypeAudioAI, PortInput},
		{TypeAudioVU, PortInput},
	},
	KindAudioData: {
		{TypeAction, PortInput},
		{TypeDebug, PortInput},
		{TypeDataPreview, PortInput},
	},
	KindConfig: {
		{TypeModel, PortConfig},
		{TypeAction, PortConfig},
		{TypeZone, PortConfig},
		{TypeAudioExtractor, PortConfig},
		{TypeAudioAI, PortConfig},
		{TypeAudioVU, PortConfig},
	},
}

// linkTransparent reports whether a node type's ports pass any payload kind.
func linkTransparent(nodeType string) bool {
	switch nodeType {
	case TypeLinkIn, TypeLinkOut, TypeLinkCall, TypeCatch:
		return true
	}
	return false
}

// OutputKind resolves the payload kind emitted by (nodeType, handle).
// The second return is false when the node type has no such output port.
func OutputKind(nodeType, handle string) (EdgeKind, bool) {
	if handle == "" {
		handle = PortOutput
	}
	if linkTransparent(nodeType) {
		// Kind is inherited from whatever flows through the link.
		return "", true
	}
	kind, ok := outputKinds[portRef{nodeType, handle}]
	return kind, ok
}

// AcceptsKind reports whether (nodeType, handle) may receive payloads of the
// given kind.
func AcceptsKind(nodeType, handle string, kind EdgeKind) bool {
	if handle == "" {
		handle = PortInput
	}
	if linkTransparent(nodeType) {
		return true
	}
	if kind == "" {
		// Edge out of a link node: legal if the target has any input port of
		// that handle name.
		for _, refs := range inputPorts {
			for _, ref := range refs {
				if ref.nodeType == nodeType && ref.handle == handle {
					return true
				}
			}
		}
		return false
	}
	for _, ref := range inputPorts[kind] {
		if ref.nodeType == nodeType && ref.handle == handle {
			return true
		}
	}
	return false
}
