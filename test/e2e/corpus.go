// Package e2e runs the knowledge base end to end: files on disk are ingested,
// retrieved and used to ground chat answers.
package e2e

import (
	"fmt"
	"strings"
)

// Note is a document of the E2E corpus.
type Note struct {
	Name    string // file name without extension
	Title   string
	Content string
}

// QueryCase is a query and the note that must be among its results.
type QueryCase struct {
	Query    string
	Expected string // Note.Name
}

// Corpus holds the notes and the query cases run against them.
type Corpus struct {
	Notes []Note
	Cases []QueryCase
}

var topics = []struct {
	title   string
	phrase  string
	content string
}{
	{"Tomatoes", "tomato blossom end rot", "Tomatoes need full sun and steady watering. Tomato blossom end rot comes from uneven moisture and low calcium."},
	{"Basil", "basil pinching flowers", "Basil grows fast in warm weather. Basil pinching flowers keeps the leaves sweet and the plant bushy."},
	{"Compost", "compost carbon nitrogen ratio", "A compost heap breaks down kitchen scraps. The compost carbon nitrogen ratio should be about thirty to one."},
	{"Raised Beds", "raised bed cedar boards", "Raised beds warm early in spring. Raised bed cedar boards resist rot for a decade."},
	{"Drip Irrigation", "drip irrigation emitters", "Drip lines deliver water to the roots. Drip irrigation emitters should be flushed every season."},
	{"Soil pH", "soil acidity lime", "Most vegetables like slightly acidic ground. Soil acidity lime applications raise the pH slowly."},
	{"Crop Rotation", "crop rotation brassicas legumes", "Rotating families reduces disease. Crop rotation brassicas legumes alliums roots is a four year cycle."},
	{"Garlic", "garlic cloves autumn planting", "Garlic needs a cold period. Garlic cloves autumn planting gives large bulbs next summer."},
	{"Strawberries", "strawberry runners daughter plants", "Strawberries fruit in early summer. Strawberry runners daughter plants can be rooted into pots."},
	{"Aphids", "aphids ladybird larvae", "Aphids cluster on new shoots. Aphids ladybird larvae are the best natural control."},
	{"Mulching", "straw mulch weeds", "Mulch keeps soil cool and moist. Straw mulch weeds are suppressed when it is laid thickly."},
	{"Seed Starting", "seedlings grow lights", "Start seeds indoors six weeks before frost. Seedlings grow lights prevent leggy stems."},
	{"Pruning Roses", "rose pruning outward bud", "Prune roses in late winter. Rose pruning outward bud cuts open the centre of the bush."},
	{"Beekeeping", "honeybee hive frames", "Bees pollinate orchards and gardens. Honeybee hive frames are inspected weekly in spring."},
	{"Potatoes", "potato chitting earthing up", "Potatoes grow from seed tubers. Potato chitting earthing up and watering give the best yields."},
	{"Cucumbers", "cucumber trellis powdery mildew", "Cucumbers climb when given support. Cucumber trellis powdery mildew risk is lower with airflow."},
	{"Lawn Care", "lawn aeration scarifying", "A lawn needs feeding twice a year. Lawn aeration scarifying removes thatch and moss."},
	{"Worm Farm", "vermicompost worm castings", "Worms turn scraps into rich humus. Vermicompost worm castings make an excellent potting mix."},
	{"Fruit Trees", "apple tree grafting rootstock", "Fruit trees take years to bear. Apple tree grafting rootstock controls the final size."},
	{"Herb Drying", "drying herbs dehydrator", "Harvest herbs before they flower. Drying herbs dehydrator settings should stay below forty degrees."},
}

// BuildCorpus returns one note per topic and a query case targeting each note's
// distinctive phrase.
func BuildCorpus() *Corpus {
	c := &Corpus{}
	for i, t := range topics {
		name := fmt.Sprintf("note-%02d-%s", i+1, strings.ToLower(strings.ReplaceAll(t.title, " ", "-")))
		c.Notes = append(c.Notes, Note{Name: name, Title: t.title, Content: t.content})
		c.Cases = append(c.Cases, QueryCase{Query: t.phrase, Expected: name})
	}
	return c
}

// Text is the note as it is written to disk: the title line, then the content.
func (n Note) Text() string {
	return n.Title + "\n" + n.Content
}
