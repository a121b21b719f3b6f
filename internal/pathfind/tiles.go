package pathfind

// Tile ids of the bridge minimap legend. Fog marks an unexplored cell.
const (
	Fog          = -1
	Wall         = 0
	Free         = 1
	TallGrass    = 2
	Water        = 3
	LedgeEast    = 5
	LedgeWest    = 6
	LedgeNorth   = 7
	LedgeSouth   = 8
	Warp         = 9
	NPC          = 10
	Interactive  = 11
	PC           = 14
	RegionMap    = 15
	Television   = 16
	Bookshelf    = 18
	TrashCan     = 21
	ShopShelf    = 22
	RedCarpet    = 23
	OOBWalkable  = 24
	OOBCollision = 25
	Door         = 26
	Ladder       = 27
	Escalator    = 28
	Hole         = 29
	Stairs       = 30
	Entrance     = 31
	WarpArrow    = 32
	Boulder      = 33
	Tree         = 35
	BreakRock    = 36
	ArrowLeft    = 44
	ArrowRight   = 45
	ArrowUp      = 46
	ArrowDown    = 47
	ItemBall     = 55
	TempWall     = 66
	LockedDoor   = 67
	BlockN       = 68
	BlockS       = 69
	BlockE       = 70
	BlockW       = 71
	BlockNE      = 72
	BlockNW      = 73
	BlockSE      = 74
	BlockSW      = 75
	CrackedFloor = 140
)

type tileSet map[int]bool

func setOf(ids ...int) tileSet {
	s := make(tileSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

var (
	warpLike = setOf(Warp, Door, Ladder, Escalator, Hole, Stairs, Entrance, WarpArrow)

	floorLike = setOf(Free, RedCarpet, OOBWalkable, ArrowLeft, ArrowRight, ArrowUp, ArrowDown, CrackedFloor,
		BlockN, BlockS, BlockE, BlockW, BlockNE, BlockNW, BlockSE, BlockSW)

	staticCollision = setOf(Wall, NPC, Interactive, Tree, LockedDoor, ShopShelf, PC, RegionMap,
		Television, Bookshelf, TrashCan, ItemBall, BreakRock, TempWall, OOBCollision)
)

// direction is a key press and its displacement.
type direction struct {
	key    string
	dx, dy int
	// from is the side of the target tile the move enters through.
	from byte
}

var directions = [4]direction{
	{key: "up", dx: 0, dy: -1, from: 'S'},
	{key: "down", dx: 0, dy: 1, from: 'N'},
	{key: "left", dx: -1, dy: 0, from: 'E'},
	{key: "right", dx: 1, dy: 0, from: 'W'},
}

func directionFor(key string) (direction, bool) {
	for _, d := range directions {
		if d.key == key {
			return d, true
		}
	}
	return direction{}, false
}

// ledgeDir is the forced displacement of a ledge tile.
var ledgeDir = map[int][2]int{
	LedgeEast:  {1, 0},
	LedgeWest:  {-1, 0},
	LedgeNorth: {0, -1},
	LedgeSouth: {0, 1},
}

// blockedSides lists the sides an edge-blocked floor cannot be entered from.
var blockedSides = map[int]string{
	BlockN:  "N",
	BlockS:  "S",
	BlockE:  "E",
	BlockW:  "W",
	BlockNE: "NE",
	BlockNW: "NW",
	BlockSE: "SE",
	BlockSW: "SW",
}

func entryBlocked(tile int, d direction) bool {
	sides, ok := blockedSides[tile]
	if !ok {
		return false
	}
	for i := 0; i < len(sides); i++ {
		if sides[i] == d.from {
			return true
		}
	}
	return false
}

// moveCost biases the search towards safe, known floor.
func moveCost(tile int) int {
	switch {
	case tile == Fog:
		return 50
	case floorLike[tile]:
		return 1
	case tile == TallGrass:
		return 25
	default:
		return 10
	}
}

func blockedByDefault(tile int, strength bool, mode string) bool {
	if tile == Fog {
		return false
	}
	if staticCollision[tile] {
		return true
	}
	if tile == Boulder && !strength {
		return true
	}
	if tile == Water && mode != ModeSurf {
		return true
	}
	return false
}
