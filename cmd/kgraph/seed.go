package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/kgraph"
	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
	"github.com/urfave/cli/v2"
)

var sentences = []string{
	"Marie Curie was a physicist and chemist who worked in Paris.",
	"Marie Curie discovered polonium and radium together with Pierre Curie.",
	"Pierre Curie was a French physicist and the husband of Marie Curie.",
	"Marie Curie won the Nobel Prize in Physics in 1903 and the Nobel Prize in Chemistry in 1911.",
	"The University of Paris appointed Marie Curie as its first female professor.",
	"Albert Einstein developed the theory of relativity while working at the patent office in Bern.",
	"Albert Einstein received the Nobel Prize in Physics in 1921 for the photoelectric effect.",
	"Niels Bohr proposed a model of the atom with electrons in discrete orbits.",
	"Niels Bohr founded the Institute for Theoretical Physics in Copenhagen.",
	"Werner Heisenberg formulated the uncertainty principle while working with Niels Bohr.",
	"Lise Meitner and Otto Hahn discovered nuclear fission in Berlin.",
	"Otto Hahn received the Nobel Prize in Chemistry in 1944.",
	"Rosalind Franklin produced the X-ray images that revealed the structure of DNA.",
	"James Watson and Francis Crick described the double helix structure of DNA at Cambridge.",
	"Ada Lovelace wrote the first algorithm intended for the Analytical Engine.",
	"Charles Babbage designed the Analytical Engine, a mechanical general-purpose computer.",
	"Alan Turing proposed the Turing machine as a model of computation.",
	"Alan Turing worked at Bletchley Park breaking German ciphers.",
	"Grace Hopper developed one of the first compilers for a programming language.",
	"The lighthouse beam cut through fog, guiding sailors safely.",
	"The cat debugged the production database at 3 AM.",
	"The rubber duck solved the halting problem but won't tell anyone.",
}

func seedCommand(ctx context.Context, c *cli.Context, sys *kgraph.System) error {
	email := c.String("email")
	user, err := sys.Store().GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		user, err = sys.CreateUser(ctx, email)
	}
	if err != nil {
		return fmt.Errorf("failed to get demo user: %w", err)
	}

	name := c.String("name")
	ds, err := sys.Store().GetDatasetByName(ctx, user.Id, name)
	if errors.Is(err, storage.ErrNotFound) {
		ds, err = sys.CreateDataset(ctx, user.Id, name)
	}
	if err != nil {
		return fmt.Errorf("failed to get demo dataset: %w", err)
	}

	items := make([]core.IngestItem, len(sentences))
	for i, s := range sentences {
		items[i] = core.TextItem(s).WithLabel(fmt.Sprintf("sentence-%03d", i+1))
	}
	data, err := sys.Add(ctx, user.Id, ds.Id, items...)
	if err != nil {
		return fmt.Errorf("failed to add sentences: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Added %d sentences to %s (%s) for %s\n", len(data), ds.Name, ds.Id, user.Email)

	if !c.Bool("cognify") {
		return nil
	}
	run, err := sys.Cognify(ctx, user.Id, ds.Id)
	if errors.Is(err, kgraph.ErrNoPendingData) {
		fmt.Fprintln(c.App.Writer, "Nothing to cognify")
		return nil
	}
	if run != nil {
		printRun(c, run)
	}
	return err
}
