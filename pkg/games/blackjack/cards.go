package blackjack

// Card is one playing card.
type Card struct {
	Rank string `json:"rank"`
	Suit string `json:"suit"`
}

var ranks = []string{"A", "2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K"}
var suits = []string{"spades", "hearts", "diamonds", "clubs"}

func newDeck() []Card {
	deck := make([]Card, 0, len(ranks)*len(suits))
	for _, suit := range suits {
		for _, rank := range ranks {
			deck = append(deck, Card{Rank: rank, Suit: suit})
		}
	}
	return deck
}

// HandValue totals a hand with aces counted high, then demoted one at a
// time while the hand would bust.
func HandValue(cards []Card) int {
	total := 0
	aces := 0
	for _, card := range cards {
		switch card.Rank {
		case "A":
			total += 11
			aces++
		case "K", "Q", "J", "10":
			total += 10
		default:
			total += int(card.Rank[0] - '0')
		}
	}
	for total > 21 && aces > 0 {
		total -= 10
		aces--
	}
	return total
}

func isNatural(cards []Card) bool {
	return len(cards) == 2 && HandValue(cards) == 21
}
